package escrow

import (
	"errors"
	"fmt"

	nativecommon "inkprotocol/native/common"
)

var (
	ErrUnauthorized         = errors.New("escrow: unauthorized")
	ErrInvalidState         = errors.New("escrow: invalid state")
	ErrNotYetEligible       = errors.New("escrow: not yet eligible")
	ErrInvalidArgument      = fmt.Errorf("escrow: %w", nativecommon.ErrInvalidArgument)
	ErrCollaboratorRejected = errors.New("escrow: collaborator rejected")
	ErrTransactionNotFound  = errors.New("escrow: transaction not found")
	// ErrReentrantCall is returned when a collaborator calls back into an
	// operation that is already running for the same transaction.
	ErrReentrantCall = errors.New("escrow: reentrant call")
	// ErrConflict is returned when concurrent commits kept invalidating an
	// operation's reads. The operation had no effect and may be retried.
	ErrConflict = errors.New("escrow: concurrent update conflict")

	ErrAmountMismatch    = fmt.Errorf("%w: split does not sum to amount", ErrInvalidArgument)
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient buyer balance", ErrInvalidArgument)

	errNilState          = errors.New("escrow engine: state not configured")
	errNilAuthorizer     = errors.New("escrow engine: authorizer not configured")
	errCollaboratorPanic = errors.New("escrow: collaborator panicked")
)
