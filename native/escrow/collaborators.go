package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Policy supplies the relative deadlines gating the time-based transitions.
type Policy interface {
	FulfillmentExpiry(ctx context.Context) (time.Duration, error)
	TransactionExpiry(ctx context.Context) (time.Duration, error)
	EscalationExpiry(ctx context.Context) (time.Duration, error)
}

// Mediator arbitrates escalated transactions. Each fee function receives the
// share the fee is taken from and returns a fee in the same unit.
type Mediator interface {
	RequestMediator(ctx context.Context, id uint64, amount *big.Int, owner common.Address) (bool, error)
	MediationExpiry(ctx context.Context) (time.Duration, error)

	ConfirmTransactionFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	ConfirmTransactionAfterDisputeFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	ConfirmTransactionAfterExpiryFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	ConfirmTransactionByMediatorFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	RefundTransactionFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	RefundTransactionAfterDisputeFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	RefundTransactionAfterExpiryFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	RefundTransactionByMediatorFee(ctx context.Context, amount *big.Int) (*big.Int, error)
	SettleTransactionByMediatorFee(ctx context.Context, buyerAmount, sellerAmount *big.Int) (*big.Int, *big.Int, error)
}

// Owner may veto transactions created on a buyer's behalf.
type Owner interface {
	AuthorizeTransaction(ctx context.Context, id uint64, buyer common.Address) (bool, error)
}

// Authorizer answers whether caller may act on behalf of principal.
type Authorizer interface {
	AuthorizedBy(principal, caller common.Address) (bool, error)
}

// Directory resolves collaborator addresses recorded on transactions to their
// implementations.
type Directory struct {
	mu        sync.RWMutex
	policies  map[common.Address]Policy
	mediators map[common.Address]Mediator
	owners    map[common.Address]Owner
}

// NewDirectory returns an empty collaborator directory.
func NewDirectory() *Directory {
	return &Directory{
		policies:  make(map[common.Address]Policy),
		mediators: make(map[common.Address]Mediator),
		owners:    make(map[common.Address]Owner),
	}
}

func checkRegistration(addr common.Address, impl interface{}) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: collaborator address must not be zero", ErrInvalidArgument)
	}
	if impl == nil {
		return fmt.Errorf("%w: collaborator implementation required", ErrInvalidArgument)
	}
	return nil
}

func (d *Directory) RegisterPolicy(addr common.Address, p Policy) error {
	if err := checkRegistration(addr, p); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[addr] = p
	return nil
}

func (d *Directory) RegisterMediator(addr common.Address, m Mediator) error {
	if err := checkRegistration(addr, m); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediators[addr] = m
	return nil
}

func (d *Directory) RegisterOwner(addr common.Address, o Owner) error {
	if err := checkRegistration(addr, o); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[addr] = o
	return nil
}

func (d *Directory) Policy(addr common.Address) (Policy, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.policies[addr]
	return p, ok
}

func (d *Directory) Mediator(addr common.Address) (Mediator, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.mediators[addr]
	return m, ok
}

func (d *Directory) Owner(addr common.Address) (Owner, bool) {
	if d == nil {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.owners[addr]
	return o, ok
}
