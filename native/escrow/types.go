package escrow

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// State enumerates the lifecycle stages of an escrowed transaction.
type State uint8

const (
	StateInitiated State = iota
	StateAccepted
	StateDisputed
	StateEscalated
	StateRevoked
	StateConfirmed
	StateConfirmedAfterDispute
	StateConfirmedAfterExpiry
	StateConfirmedAfterEscalation
	StateConfirmedByMediator
	StateRefunded
	StateRefundedAfterDispute
	StateRefundedAfterExpiry
	StateRefundedAfterEscalation
	StateRefundedByMediator
	StateSettled
	StateSettledByMediator
)

var stateNames = [...]string{
	StateInitiated:                "initiated",
	StateAccepted:                 "accepted",
	StateDisputed:                 "disputed",
	StateEscalated:                "escalated",
	StateRevoked:                  "revoked",
	StateConfirmed:                "confirmed",
	StateConfirmedAfterDispute:    "confirmed_after_dispute",
	StateConfirmedAfterExpiry:     "confirmed_after_expiry",
	StateConfirmedAfterEscalation: "confirmed_after_escalation",
	StateConfirmedByMediator:      "confirmed_by_mediator",
	StateRefunded:                 "refunded",
	StateRefundedAfterDispute:     "refunded_after_dispute",
	StateRefundedAfterExpiry:      "refunded_after_expiry",
	StateRefundedAfterEscalation:  "refunded_after_escalation",
	StateRefundedByMediator:       "refunded_by_mediator",
	StateSettled:                  "settled",
	StateSettledByMediator:        "settled_by_mediator",
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	out := make([]State, 0, len(stateNames))
	for i := range stateNames {
		out = append(out, State(i))
	}
	return out
}

func (s State) Valid() bool { return int(s) < len(stateNames) }

func (s State) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name for JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseState resolves a state name as produced by String.
func ParseState(name string) (State, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range stateNames {
		if candidate == name {
			return State(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	switch s {
	case StateInitiated, StateAccepted, StateDisputed, StateEscalated:
		return false
	default:
		return s.Valid()
	}
}

// Transaction is the unit of escrow. Zero Policy, Mediator or Owner addresses
// mean the collaborator is not set.
type Transaction struct {
	ID             uint64
	Creator        common.Address
	Buyer          common.Address
	Seller         common.Address
	Amount         *big.Int
	MetadataHash   common.Hash
	Policy         common.Address
	Mediator       common.Address
	Owner          common.Address
	State          State
	StateEnteredAt int64
	CreatedAt      int64
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	return &clone
}

func (t *Transaction) HasMediator() bool { return t.Mediator != (common.Address{}) }

func (t *Transaction) HasPolicy() bool { return t.Policy != (common.Address{}) }

func (t *Transaction) HasOwner() bool { return t.Owner != (common.Address{}) }

// Escrowed returns the amount held in custody for the transaction.
func (t *Transaction) Escrowed() *big.Int {
	if t == nil || t.State.Terminal() {
		return big.NewInt(0)
	}
	return cloneBigInt(t.Amount)
}

// storedTransaction is the RLP layout persisted in state. RLP has no signed
// integers so timestamps are kept as uint64.
type storedTransaction struct {
	ID             uint64
	Creator        common.Address
	Buyer          common.Address
	Seller         common.Address
	Amount         *big.Int
	MetadataHash   common.Hash
	Policy         common.Address
	Mediator       common.Address
	Owner          common.Address
	State          uint8
	StateEnteredAt uint64
	CreatedAt      uint64
}

func toStored(t *Transaction) *storedTransaction {
	return &storedTransaction{
		ID:             t.ID,
		Creator:        t.Creator,
		Buyer:          t.Buyer,
		Seller:         t.Seller,
		Amount:         cloneBigInt(t.Amount),
		MetadataHash:   t.MetadataHash,
		Policy:         t.Policy,
		Mediator:       t.Mediator,
		Owner:          t.Owner,
		State:          uint8(t.State),
		StateEnteredAt: clampTimestamp(t.StateEnteredAt),
		CreatedAt:      clampTimestamp(t.CreatedAt),
	}
}

func (s *storedTransaction) transaction() *Transaction {
	return &Transaction{
		ID:             s.ID,
		Creator:        s.Creator,
		Buyer:          s.Buyer,
		Seller:         s.Seller,
		Amount:         cloneBigInt(s.Amount),
		MetadataHash:   s.MetadataHash,
		Policy:         s.Policy,
		Mediator:       s.Mediator,
		Owner:          s.Owner,
		State:          State(s.State),
		StateEnteredAt: int64(s.StateEnteredAt),
		CreatedAt:      int64(s.CreatedAt),
	}
}

func clampTimestamp(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
