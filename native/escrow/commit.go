package escrow

import (
	"context"
	"errors"
)

// maxCommitAttempts bounds how often an operation is recomputed after a
// concurrent commit changed the record or id counter it read.
const maxCommitAttempts = 16

// errStale aborts a state update whose reads were overtaken by another commit.
var errStale = errors.New("escrow: stale read")

// callMarker tags the context handed to collaborators while an operation of
// a specific engine runs. Collaborators hold no engine lock, so calling back
// with an unrelated context is safe; reusing the tagged context for the same
// id is reported as ErrReentrantCall.
type callMarker struct {
	engine *Engine
	id     uint64
	create bool
}

func (e *Engine) enter(ctx context.Context, marker callMarker) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(marker) != nil {
		return nil, ErrReentrantCall
	}
	return context.WithValue(ctx, marker, true), nil
}

// commitWithRetry runs attempt until it commits or fails for a reason other
// than a stale read. Each stale read means another operation committed, so
// the retried attempt observes newer state.
func commitWithRetry(ctx context.Context, attempt func() error) error {
	for i := 0; i < maxCommitAttempts; i++ {
		err := attempt()
		if !errors.Is(err, errStale) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return ErrConflict
}
