package bank

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/events"
	"inkprotocol/core/state"
)

// Ledger is the fungible token service backing escrow custody.
type Ledger struct {
	state   *state.Manager
	emitter events.Emitter
}

// NewLedger binds a ledger to the state manager.
func NewLedger(manager *state.Manager) *Ledger {
	return &Ledger{state: manager, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used by the ledger. Passing nil resets
// the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) withState() (*state.Manager, error) {
	if l == nil || l.state == nil {
		return nil, fmt.Errorf("bank: state not configured")
	}
	return l.state, nil
}

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr common.Address) (*big.Int, error) {
	st, err := l.withState()
	if err != nil {
		return nil, err
	}
	return st.Balance(addr)
}

// Transfer moves tokens between two accounts atomically.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	st, err := l.withState()
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := st.Update(func(txn *state.Txn) error {
		return Transfer(txn, from, to, amount)
	}); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Mint credits new tokens to addr. Used for genesis allocations and tests.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	st, err := l.withState()
	if err != nil {
		return err
	}
	if err := st.Update(func(txn *state.Txn) error {
		return Credit(txn, to, amount)
	}); err != nil {
		return err
	}
	l.emitter.Emit(events.Mint{To: to, Amount: new(big.Int).Set(amount)})
	return nil
}
