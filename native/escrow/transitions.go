package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/events"
	"inkprotocol/core/state"
)

type party uint8

const (
	partyBuyer party = iota
	partySeller
	partyEither
	partyMediator
)

// step validates an operation against a snapshot of the transaction and
// computes its effect. It must not mutate tx. A step may run more than once
// when a concurrent commit overtakes it.
type step func(ctx context.Context, tx *Transaction, now int64) (*outcome, error)

func (e *Engine) transition(ctx context.Context, call Call, id uint64, op string, fn step) (*Transaction, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.timestamp(call)
	ctx, err := e.enter(ctx, callMarker{engine: e, id: id})
	if err != nil {
		return nil, err
	}

	var (
		updated   *Transaction
		out       *outcome
		transfers []events.Transfer
	)
	err = commitWithRetry(ctx, func() error {
		current, err := e.Transaction(id)
		if err != nil {
			return err
		}
		out, err = fn(ctx, current.Clone(), now)
		if err != nil {
			return fmt.Errorf("%s transaction %d: %w", op, id, err)
		}
		updated = current.Clone()
		updated.State = out.to
		updated.StateEnteredAt = now
		transfers = nil
		return e.state.Update(func(txn *state.Txn) error {
			stored, err := loadTransaction(txn, id)
			if err != nil {
				return err
			}
			// Every transition leaves its state for good, so an unchanged
			// state means an unchanged record.
			if stored.State != current.State {
				return errStale
			}
			if err := e.disburse(txn, out.legs, "escrow:"+out.to.String(), &transfers); err != nil {
				return err
			}
			return putTransaction(txn, updated)
		})
	})
	if err != nil {
		return nil, err
	}
	e.publish(updated, out, transfers)
	return updated.Clone(), nil
}

func (e *Engine) requireParty(tx *Transaction, caller common.Address, p party) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: caller required", ErrUnauthorized)
	}
	var principals []common.Address
	switch p {
	case partyBuyer:
		principals = []common.Address{tx.Buyer}
	case partySeller:
		principals = []common.Address{tx.Seller}
	case partyEither:
		principals = []common.Address{tx.Buyer, tx.Seller}
	case partyMediator:
		if tx.HasMediator() && caller == tx.Mediator {
			return nil
		}
		return fmt.Errorf("%w: caller is not the mediator", ErrUnauthorized)
	}
	for _, principal := range principals {
		ok, err := e.authorizedBy(principal, caller)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrUnauthorized
}

func requireState(tx *Transaction, allowed ...State) error {
	for _, st := range allowed {
		if tx.State == st {
			return nil
		}
	}
	return fmt.Errorf("%w: transaction %d is %s", ErrInvalidState, tx.ID, tx.State)
}

// feeSplit pays fee to the mediator and the rest of the amount to recipient.
func feeSplit(to State, tx *Transaction, recipient common.Address, fee *big.Int) *outcome {
	return &outcome{
		to: to,
		legs: []leg{
			{to: tx.Mediator, amount: fee},
			{to: recipient, amount: new(big.Int).Sub(tx.Amount, fee)},
		},
		fee: fee,
	}
}

func payAll(to State, recipient common.Address, tx *Transaction) *outcome {
	return &outcome{to: to, legs: []leg{{to: recipient, amount: cloneBigInt(tx.Amount)}}}
}

// Accept is called by the seller on an initiated transaction. Without a
// mediator the funds are released to the seller right away.
func (e *Engine) Accept(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "accept", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partySeller); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateInitiated); err != nil {
			return nil, err
		}
		if !tx.HasMediator() {
			out := payAll(StateConfirmed, tx.Seller, tx)
			out.via = []State{StateAccepted}
			out.fee = big.NewInt(0)
			return out, nil
		}
		return &outcome{to: StateAccepted}, nil
	})
}

// Revoke returns the funds of an initiated transaction to the buyer.
func (e *Engine) Revoke(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "revoke", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyBuyer); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateInitiated); err != nil {
			return nil, err
		}
		return payAll(StateRevoked, tx.Buyer, tx), nil
	})
}

// Dispute is available to the buyer once the fulfillment window has passed.
func (e *Engine) Dispute(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "dispute", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyBuyer); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateAccepted); err != nil {
			return nil, err
		}
		expiry := e.policyExpiry(ctx, tx, "fulfillment_expiry", Policy.FulfillmentExpiry)
		if err := requireElapsed(tx, expiry, now); err != nil {
			return nil, err
		}
		return &outcome{to: StateDisputed}, nil
	})
}

// Escalate hands a disputed transaction to the mediator.
func (e *Engine) Escalate(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "escalate", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partySeller); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateDisputed); err != nil {
			return nil, err
		}
		return &outcome{to: StateEscalated}, nil
	})
}

// Confirm releases the funds to the seller. From Escalated it is only possible
// once the mediation window has passed, and no fee is charged.
func (e *Engine) Confirm(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "confirm", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyBuyer); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateAccepted, StateDisputed, StateEscalated); err != nil {
			return nil, err
		}
		switch tx.State {
		case StateAccepted:
			fee := e.mediatorFee(ctx, tx, "confirm_transaction_fee", Mediator.ConfirmTransactionFee, tx.Amount)
			return feeSplit(StateConfirmed, tx, tx.Seller, fee), nil
		case StateDisputed:
			fee := e.mediatorFee(ctx, tx, "confirm_transaction_after_dispute_fee", Mediator.ConfirmTransactionAfterDisputeFee, tx.Amount)
			return feeSplit(StateConfirmedAfterDispute, tx, tx.Seller, fee), nil
		default:
			if err := requireElapsed(tx, e.mediationExpiry(ctx, tx), now); err != nil {
				return nil, err
			}
			return payAll(StateConfirmedAfterEscalation, tx.Seller, tx), nil
		}
	})
}

// ConfirmAfterExpiry lets the seller collect once the transaction window has
// passed without the buyer confirming or disputing.
func (e *Engine) ConfirmAfterExpiry(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "confirm after expiry", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partySeller); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateAccepted); err != nil {
			return nil, err
		}
		expiry := e.policyExpiry(ctx, tx, "transaction_expiry", Policy.TransactionExpiry)
		if err := requireElapsed(tx, expiry, now); err != nil {
			return nil, err
		}
		fee := e.mediatorFee(ctx, tx, "confirm_transaction_after_expiry_fee", Mediator.ConfirmTransactionAfterExpiryFee, tx.Amount)
		return feeSplit(StateConfirmedAfterExpiry, tx, tx.Seller, fee), nil
	})
}

// Refund returns the funds to the buyer on the seller's initiative.
func (e *Engine) Refund(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "refund", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partySeller); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateAccepted, StateDisputed, StateEscalated); err != nil {
			return nil, err
		}
		switch tx.State {
		case StateAccepted:
			fee := e.mediatorFee(ctx, tx, "refund_transaction_fee", Mediator.RefundTransactionFee, tx.Amount)
			return feeSplit(StateRefunded, tx, tx.Buyer, fee), nil
		case StateDisputed:
			fee := e.mediatorFee(ctx, tx, "refund_transaction_after_dispute_fee", Mediator.RefundTransactionAfterDisputeFee, tx.Amount)
			return feeSplit(StateRefundedAfterDispute, tx, tx.Buyer, fee), nil
		default:
			if err := requireElapsed(tx, e.mediationExpiry(ctx, tx), now); err != nil {
				return nil, err
			}
			return payAll(StateRefundedAfterEscalation, tx.Buyer, tx), nil
		}
	})
}

// RefundAfterExpiry lets the buyer reclaim a disputed transaction the seller
// did not escalate in time.
func (e *Engine) RefundAfterExpiry(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "refund after expiry", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyBuyer); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateDisputed); err != nil {
			return nil, err
		}
		expiry := e.policyExpiry(ctx, tx, "escalation_expiry", Policy.EscalationExpiry)
		if err := requireElapsed(tx, expiry, now); err != nil {
			return nil, err
		}
		fee := e.mediatorFee(ctx, tx, "refund_transaction_after_expiry_fee", Mediator.RefundTransactionAfterExpiryFee, tx.Amount)
		return feeSplit(StateRefundedAfterExpiry, tx, tx.Buyer, fee), nil
	})
}

// Settle splits an escalated transaction the mediator did not resolve in time.
// The seller receives the odd unit.
func (e *Engine) Settle(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "settle", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyEither); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateEscalated); err != nil {
			return nil, err
		}
		if err := requireElapsed(tx, e.mediationExpiry(ctx, tx), now); err != nil {
			return nil, err
		}
		buyerAmount, sellerAmount := splitEvenly(tx.Amount)
		return &outcome{
			to: StateSettled,
			legs: []leg{
				{to: tx.Buyer, amount: buyerAmount},
				{to: tx.Seller, amount: sellerAmount},
			},
			buyerAmount:  buyerAmount,
			sellerAmount: sellerAmount,
		}, nil
	})
}

func splitEvenly(amount *big.Int) (*big.Int, *big.Int) {
	buyer := new(big.Int).Rsh(amount, 1)
	return buyer, new(big.Int).Sub(amount, buyer)
}

// ConfirmByMediator releases an escalated transaction to the seller. Only the
// transaction's mediator may call it.
func (e *Engine) ConfirmByMediator(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "confirm by mediator", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyMediator); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateEscalated); err != nil {
			return nil, err
		}
		fee := e.mediatorFee(ctx, tx, "confirm_transaction_by_mediator_fee", Mediator.ConfirmTransactionByMediatorFee, tx.Amount)
		return feeSplit(StateConfirmedByMediator, tx, tx.Seller, fee), nil
	})
}

// RefundByMediator returns an escalated transaction to the buyer. Only the
// transaction's mediator may call it.
func (e *Engine) RefundByMediator(ctx context.Context, call Call, id uint64) (*Transaction, error) {
	return e.transition(ctx, call, id, "refund by mediator", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyMediator); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateEscalated); err != nil {
			return nil, err
		}
		fee := e.mediatorFee(ctx, tx, "refund_transaction_by_mediator_fee", Mediator.RefundTransactionByMediatorFee, tx.Amount)
		return feeSplit(StateRefundedByMediator, tx, tx.Buyer, fee), nil
	})
}

// SettleByMediator splits an escalated transaction as decided by the mediator.
// The two shares must add up to the escrowed amount.
func (e *Engine) SettleByMediator(ctx context.Context, call Call, id uint64, buyerAmount, sellerAmount *big.Int) (*Transaction, error) {
	return e.transition(ctx, call, id, "settle by mediator", func(ctx context.Context, tx *Transaction, now int64) (*outcome, error) {
		if err := e.requireParty(tx, call.Sender, partyMediator); err != nil {
			return nil, err
		}
		if err := requireState(tx, StateEscalated); err != nil {
			return nil, err
		}
		if buyerAmount == nil || sellerAmount == nil || buyerAmount.Sign() < 0 || sellerAmount.Sign() < 0 {
			return nil, fmt.Errorf("%w: split amounts must be non-negative", ErrInvalidArgument)
		}
		if sum := new(big.Int).Add(buyerAmount, sellerAmount); sum.Cmp(tx.Amount) != 0 {
			return nil, fmt.Errorf("%w: %s + %s != %s", ErrAmountMismatch, buyerAmount, sellerAmount, tx.Amount)
		}
		buyerFee, sellerFee := e.settlementFees(ctx, tx, buyerAmount, sellerAmount)
		return &outcome{
			to: StateSettledByMediator,
			legs: []leg{
				{to: tx.Mediator, amount: new(big.Int).Add(buyerFee, sellerFee)},
				{to: tx.Buyer, amount: new(big.Int).Sub(buyerAmount, buyerFee)},
				{to: tx.Seller, amount: new(big.Int).Sub(sellerAmount, sellerFee)},
			},
			buyerFee:     buyerFee,
			sellerFee:    sellerFee,
			buyerAmount:  cloneBigInt(buyerAmount),
			sellerAmount: cloneBigInt(sellerAmount),
		}, nil
	})
}
