package mediation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/native/escrow"
)

// FeeKind names the transition a fee rate applies to.
type FeeKind string

const (
	FeeConfirm             FeeKind = "confirm"
	FeeConfirmAfterDispute FeeKind = "confirm_after_dispute"
	FeeConfirmAfterExpiry  FeeKind = "confirm_after_expiry"
	FeeConfirmByMediator   FeeKind = "confirm_by_mediator"
	FeeRefund              FeeKind = "refund"
	FeeRefundAfterDispute  FeeKind = "refund_after_dispute"
	FeeRefundAfterExpiry   FeeKind = "refund_after_expiry"
	FeeRefundByMediator    FeeKind = "refund_by_mediator"
	FeeSettleByMediator    FeeKind = "settle_by_mediator"
	maxBasisPoints                 = 10_000
)

var (
	_ escrow.Mediator = (*FeeSchedule)(nil)
	_ escrow.Policy   = FixedPolicy{}
	_ escrow.Owner    = (*AllowlistOwner)(nil)
)

var (
	ErrUnknownFeeKind = errors.New("mediation: unknown fee kind")
	ErrFeeTooHigh     = errors.New("mediation: fee rate above 100%")
	ErrNotMediating   = fmt.Errorf("mediation: not the transaction's mediator: %w", escrow.ErrUnauthorized)
)

// FeeKinds lists every fee kind.
func FeeKinds() []FeeKind {
	return []FeeKind{
		FeeConfirm, FeeConfirmAfterDispute, FeeConfirmAfterExpiry, FeeConfirmByMediator,
		FeeRefund, FeeRefundAfterDispute, FeeRefundAfterExpiry, FeeRefundByMediator,
		FeeSettleByMediator,
	}
}

// ParseFeeKind resolves a configured fee kind.
func ParseFeeKind(raw string) (FeeKind, error) {
	kind := FeeKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range FeeKinds() {
		if kind == known {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeeKind, raw)
}

// Limits bounds the transaction amounts a mediator accepts. Nil bounds are
// open.
type Limits struct {
	Min *big.Int
	Max *big.Int
}

func (l Limits) allows(amount *big.Int) bool {
	if l.Min != nil && amount.Cmp(l.Min) < 0 {
		return false
	}
	if l.Max != nil && amount.Cmp(l.Max) > 0 {
		return false
	}
	return true
}

// FeeSchedule is a mediator charging a basis-point rate per transition. It
// also drives the mediator-only transitions of the escrow engine under its own
// address.
type FeeSchedule struct {
	address common.Address
	expiry  time.Duration
	limits  Limits

	mu     sync.RWMutex
	rates  map[FeeKind]uint32
	engine *escrow.Engine
}

// NewFeeSchedule builds a mediator living at address.
func NewFeeSchedule(address common.Address, expiry time.Duration, limits Limits) *FeeSchedule {
	return &FeeSchedule{
		address: address,
		expiry:  expiry,
		limits:  limits,
		rates:   make(map[FeeKind]uint32),
	}
}

// Address returns the address the mediator acts under.
func (m *FeeSchedule) Address() common.Address { return m.address }

// Bind attaches the engine used for mediator-initiated transitions.
func (m *FeeSchedule) Bind(engine *escrow.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = engine
}

// SetRate configures the fee rate of kind in basis points.
func (m *FeeSchedule) SetRate(kind FeeKind, bps uint32) error {
	if _, err := ParseFeeKind(string(kind)); err != nil {
		return err
	}
	if bps > maxBasisPoints {
		return fmt.Errorf("%w: %d bps", ErrFeeTooHigh, bps)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[kind] = bps
	return nil
}

// Rates returns a copy of the configured rates.
func (m *FeeSchedule) Rates() map[FeeKind]uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[FeeKind]uint32, len(m.rates))
	for kind, bps := range m.rates {
		out[kind] = bps
	}
	return out
}

func (m *FeeSchedule) fee(kind FeeKind, share *big.Int) *big.Int {
	m.mu.RLock()
	bps := m.rates[kind]
	m.mu.RUnlock()
	if share == nil || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(share, new(big.Int).SetUint64(uint64(bps)))
	return fee.Quo(fee, big.NewInt(maxBasisPoints))
}

// RequestMediator accepts amounts within the limits. It keeps no record: the
// id may still be lost to a concurrent creation, so the committed transaction
// is the only authority on who mediates it.
func (m *FeeSchedule) RequestMediator(_ context.Context, _ uint64, amount *big.Int, _ common.Address) (bool, error) {
	return amount != nil && m.limits.allows(amount), nil
}

func (m *FeeSchedule) MediationExpiry(context.Context) (time.Duration, error) {
	return m.expiry, nil
}

func (m *FeeSchedule) ConfirmTransactionFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeConfirm, amount), nil
}

func (m *FeeSchedule) ConfirmTransactionAfterDisputeFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeConfirmAfterDispute, amount), nil
}

func (m *FeeSchedule) ConfirmTransactionAfterExpiryFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeConfirmAfterExpiry, amount), nil
}

func (m *FeeSchedule) ConfirmTransactionByMediatorFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeConfirmByMediator, amount), nil
}

func (m *FeeSchedule) RefundTransactionFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeRefund, amount), nil
}

func (m *FeeSchedule) RefundTransactionAfterDisputeFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeRefundAfterDispute, amount), nil
}

func (m *FeeSchedule) RefundTransactionAfterExpiryFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeRefundAfterExpiry, amount), nil
}

func (m *FeeSchedule) RefundTransactionByMediatorFee(_ context.Context, amount *big.Int) (*big.Int, error) {
	return m.fee(FeeRefundByMediator, amount), nil
}

func (m *FeeSchedule) SettleTransactionByMediatorFee(_ context.Context, buyerAmount, sellerAmount *big.Int) (*big.Int, *big.Int, error) {
	return m.fee(FeeSettleByMediator, buyerAmount), m.fee(FeeSettleByMediator, sellerAmount), nil
}

func (m *FeeSchedule) bound(id uint64) (*escrow.Engine, error) {
	m.mu.RLock()
	engine := m.engine
	m.mu.RUnlock()
	if engine == nil {
		return nil, fmt.Errorf("mediation: engine not bound")
	}
	tx, err := engine.Transaction(id)
	if err != nil {
		return nil, err
	}
	if tx.Mediator != m.address {
		return nil, fmt.Errorf("%w: transaction %d", ErrNotMediating, id)
	}
	return engine, nil
}

func (m *FeeSchedule) call() escrow.Call { return escrow.Call{Sender: m.address} }

// Confirm rules an escalated transaction in the seller's favour.
func (m *FeeSchedule) Confirm(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	engine, err := m.bound(id)
	if err != nil {
		return nil, err
	}
	return engine.ConfirmByMediator(ctx, m.call(), id)
}

// Refund rules an escalated transaction in the buyer's favour.
func (m *FeeSchedule) Refund(ctx context.Context, id uint64) (*escrow.Transaction, error) {
	engine, err := m.bound(id)
	if err != nil {
		return nil, err
	}
	return engine.RefundByMediator(ctx, m.call(), id)
}

// Settle splits an escalated transaction between the parties.
func (m *FeeSchedule) Settle(ctx context.Context, id uint64, buyerAmount, sellerAmount *big.Int) (*escrow.Transaction, error) {
	engine, err := m.bound(id)
	if err != nil {
		return nil, err
	}
	return engine.SettleByMediator(ctx, m.call(), id, buyerAmount, sellerAmount)
}
