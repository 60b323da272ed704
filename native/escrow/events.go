package escrow

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/types"
)

const eventTypePrefix = "escrow.transaction."

const (
	EventTypeInitiated                = eventTypePrefix + "initiated"
	EventTypeAccepted                 = eventTypePrefix + "accepted"
	EventTypeDisputed                 = eventTypePrefix + "disputed"
	EventTypeEscalated                = eventTypePrefix + "escalated"
	EventTypeRevoked                  = eventTypePrefix + "revoked"
	EventTypeConfirmed                = eventTypePrefix + "confirmed"
	EventTypeConfirmedAfterDispute    = eventTypePrefix + "confirmed_after_dispute"
	EventTypeConfirmedAfterExpiry     = eventTypePrefix + "confirmed_after_expiry"
	EventTypeConfirmedAfterEscalation = eventTypePrefix + "confirmed_after_escalation"
	EventTypeConfirmedByMediator      = eventTypePrefix + "confirmed_by_mediator"
	EventTypeRefunded                 = eventTypePrefix + "refunded"
	EventTypeRefundedAfterDispute     = eventTypePrefix + "refunded_after_dispute"
	EventTypeRefundedAfterExpiry      = eventTypePrefix + "refunded_after_expiry"
	EventTypeRefundedAfterEscalation  = eventTypePrefix + "refunded_after_escalation"
	EventTypeRefundedByMediator       = eventTypePrefix + "refunded_by_mediator"
	EventTypeSettled                  = eventTypePrefix + "settled"
	EventTypeSettledByMediator        = eventTypePrefix + "settled_by_mediator"
)

// EventType returns the record type emitted when a transaction enters s.
func EventType(s State) string { return eventTypePrefix + s.String() }

func newTransitionEvent(tx *Transaction, entered State, out *outcome) *types.Event {
	attrs := map[string]string{
		"id":    strconv.FormatUint(tx.ID, 10),
		"state": entered.String(),
	}
	if entered == StateInitiated {
		attrs["creator"] = tx.Creator.Hex()
		attrs["buyer"] = tx.Buyer.Hex()
		attrs["seller"] = tx.Seller.Hex()
		attrs["amount"] = formatAmount(tx.Amount)
		attrs["metadataHash"] = tx.MetadataHash.Hex()
		attrs["createdAt"] = strconv.FormatInt(tx.CreatedAt, 10)
		setOptionalAddress(attrs, "policy", tx.Policy)
		setOptionalAddress(attrs, "mediator", tx.Mediator)
		setOptionalAddress(attrs, "owner", tx.Owner)
	}
	if out != nil && entered == out.to {
		setOptionalAmount(attrs, "fee", out.fee)
		setOptionalAmount(attrs, "buyerFee", out.buyerFee)
		setOptionalAmount(attrs, "sellerFee", out.sellerFee)
		setOptionalAmount(attrs, "buyerAmount", out.buyerAmount)
		setOptionalAmount(attrs, "sellerAmount", out.sellerAmount)
	}
	return &types.Event{Type: EventType(entered), Attributes: attrs}
}

func setOptionalAddress(attrs map[string]string, key string, addr common.Address) {
	if addr == (common.Address{}) {
		return
	}
	attrs[key] = addr.Hex()
}

func setOptionalAmount(attrs map[string]string, key string, v *big.Int) {
	if v == nil {
		return
	}
	attrs[key] = v.String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
