package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance exceeds 256 bits")
)

// BalanceStore is the subset of the state transaction used for balance
// bookkeeping.
type BalanceStore interface {
	Balance(addr common.Address) (*big.Int, error)
	SetBalance(addr common.Address, amount *big.Int) error
}

func checkedAdd(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if _, overflow := uint256.FromBig(sum); overflow {
		return nil, ErrBalanceOverflow
	}
	return sum, nil
}

// Transfer moves amount from one account to another inside the supplied store.
// A zero amount is a no-op so fee legs can be passed through unconditionally.
func Transfer(store BalanceStore, from, to common.Address, amount *big.Int) error {
	if store == nil {
		return fmt.Errorf("bank: balance store required")
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return nil
	}
	fromBal, err := store.Balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	toBal, err := store.Balance(to)
	if err != nil {
		return err
	}
	newTo, err := checkedAdd(toBal, amount)
	if err != nil {
		return err
	}
	if err := store.SetBalance(from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return store.SetBalance(to, newTo)
}

// Credit adds freshly issued tokens to an account.
func Credit(store BalanceStore, to common.Address, amount *big.Int) error {
	if store == nil {
		return fmt.Errorf("bank: balance store required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	current, err := store.Balance(to)
	if err != nil {
		return err
	}
	updated, err := checkedAdd(current, amount)
	if err != nil {
		return err
	}
	return store.SetBalance(to, updated)
}

// ParseAmount decodes a base-10 token amount constrained to 256 bits.
func ParseAmount(raw string) (*big.Int, error) {
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("bank: invalid amount %q: %w", raw, err)
	}
	return value.ToBig(), nil
}
