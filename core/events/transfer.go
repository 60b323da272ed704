package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/types"
)

const (
	// TypeTransfer is emitted for every token balance movement.
	TypeTransfer = "bank.transfer"
	// TypeMint is emitted when new tokens are credited to an account.
	TypeMint = "bank.mint"
)

type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
	// Memo names the protocol action that caused the movement, if any.
	Memo string
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   e.From.Hex(),
		"to":     e.To.Hex(),
		"amount": formatAmount(e.Amount),
	}
	if memo := normalizeMemo(e.Memo); memo != "" {
		attrs["memo"] = memo
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type Mint struct {
	To     common.Address
	Amount *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{
		Type: TypeMint,
		Attributes: map[string]string{
			"to":     e.To.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}
