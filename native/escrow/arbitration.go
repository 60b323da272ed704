package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	collaboratorPolicy   = "policy"
	collaboratorMediator = "mediator"
	collaboratorOwner    = "owner"
)

var errUnknownCollaborator = errors.New("escrow: collaborator not registered")

// Observer receives arbitration telemetry from the engine.
type Observer interface {
	TransitionApplied(to State)
	FeeCharged(method string, fee *big.Int)
	FeeClamped(method string)
	CollaboratorFailed(collaborator, method string)
}

type noopObserver struct{}

func (noopObserver) TransitionApplied(State)           {}
func (noopObserver) FeeCharged(string, *big.Int)       {}
func (noopObserver) FeeClamped(string)                 {}
func (noopObserver) CollaboratorFailed(string, string) {}

type (
	policyQuery   func(Policy, context.Context) (time.Duration, error)
	mediatorQuery func(Mediator, context.Context) (time.Duration, error)
	feeQuery      func(Mediator, context.Context, *big.Int) (*big.Int, error)
)

// invoke runs a collaborator call, converting a panic into an error.
func invoke[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errCollaboratorPanic, r)
		}
	}()
	return fn()
}

func (e *Engine) collaboratorFailed(id uint64, collaborator, method string, err error) {
	e.observer.CollaboratorFailed(collaborator, method)
	e.logger.Warn("escrow collaborator call failed, using default",
		"id", id, "collaborator", collaborator, "method", method, "error", err)
}

func (e *Engine) sanitizeDuration(id uint64, collaborator, method string, d time.Duration, err error) time.Duration {
	if err != nil {
		e.collaboratorFailed(id, collaborator, method, err)
		return 0
	}
	if d < 0 {
		return 0
	}
	return d
}

// policyExpiry queries the transaction's policy. Failures yield zero so the
// gated transition becomes available immediately.
func (e *Engine) policyExpiry(ctx context.Context, tx *Transaction, method string, query policyQuery) time.Duration {
	policy, ok := e.directory.Policy(tx.Policy)
	if !ok {
		e.collaboratorFailed(tx.ID, collaboratorPolicy, method, errUnknownCollaborator)
		return 0
	}
	d, err := invoke(func() (time.Duration, error) { return query(policy, ctx) })
	return e.sanitizeDuration(tx.ID, collaboratorPolicy, method, d, err)
}

func (e *Engine) mediationExpiry(ctx context.Context, tx *Transaction) time.Duration {
	const method = "mediation_expiry"
	mediator, ok := e.directory.Mediator(tx.Mediator)
	if !ok {
		e.collaboratorFailed(tx.ID, collaboratorMediator, method, errUnknownCollaborator)
		return 0
	}
	query := mediatorQuery(Mediator.MediationExpiry)
	d, err := invoke(func() (time.Duration, error) { return query(mediator, ctx) })
	return e.sanitizeDuration(tx.ID, collaboratorMediator, method, d, err)
}

// clampFee returns the realized fee. A fee the mediator cannot justify, one
// above the share or below zero, is forfeited entirely.
func clampFee(fee, share *big.Int) (*big.Int, bool) {
	if fee == nil {
		return big.NewInt(0), false
	}
	if fee.Sign() < 0 || share == nil || fee.Cmp(share) > 0 {
		return big.NewInt(0), true
	}
	return new(big.Int).Set(fee), false
}

func (e *Engine) realizeFee(id uint64, method string, fee, share *big.Int, err error) *big.Int {
	if err != nil {
		e.collaboratorFailed(id, collaboratorMediator, method, err)
		return big.NewInt(0)
	}
	realized, clamped := clampFee(fee, share)
	if clamped {
		e.observer.FeeClamped(method)
		e.logger.Warn("escrow mediator fee out of range, forfeited",
			"id", id, "method", method, "fee", fee.String(), "share", share.String())
	}
	if realized.Sign() > 0 {
		e.observer.FeeCharged(method, realized)
	}
	return realized
}

// mediatorFee asks the mediator for the fee charged against share.
func (e *Engine) mediatorFee(ctx context.Context, tx *Transaction, method string, query feeQuery, share *big.Int) *big.Int {
	mediator, ok := e.directory.Mediator(tx.Mediator)
	if !ok {
		e.collaboratorFailed(tx.ID, collaboratorMediator, method, errUnknownCollaborator)
		return big.NewInt(0)
	}
	fee, err := invoke(func() (*big.Int, error) { return query(mediator, ctx, cloneBigInt(share)) })
	return e.realizeFee(tx.ID, method, fee, share, err)
}

// settlementFees returns the buyer and seller fees of a mediator split. Each
// fee is clamped against its own share.
func (e *Engine) settlementFees(ctx context.Context, tx *Transaction, buyerAmount, sellerAmount *big.Int) (*big.Int, *big.Int) {
	const method = "settle_transaction_by_mediator_fee"
	mediator, ok := e.directory.Mediator(tx.Mediator)
	if !ok {
		e.collaboratorFailed(tx.ID, collaboratorMediator, method, errUnknownCollaborator)
		return big.NewInt(0), big.NewInt(0)
	}
	type pair struct{ buyer, seller *big.Int }
	fees, err := invoke(func() (pair, error) {
		b, s, err := mediator.SettleTransactionByMediatorFee(ctx, cloneBigInt(buyerAmount), cloneBigInt(sellerAmount))
		return pair{b, s}, err
	})
	if err != nil {
		e.collaboratorFailed(tx.ID, collaboratorMediator, method, err)
		return big.NewInt(0), big.NewInt(0)
	}
	return e.realizeFee(tx.ID, method, fees.buyer, buyerAmount, nil),
		e.realizeFee(tx.ID, method, fees.seller, sellerAmount, nil)
}

// deadline returns the first timestamp at which a transition gated by d
// becomes eligible. Partial seconds round up.
func deadline(enteredAt int64, d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return enteredAt + secs
}

func requireElapsed(tx *Transaction, d time.Duration, now int64) error {
	due := deadline(tx.StateEnteredAt, d)
	if now < due {
		return fmt.Errorf("%w: transaction %d eligible at %d", ErrNotYetEligible, tx.ID, due)
	}
	return nil
}
