package mediation

import (
	"context"
	"time"
)

// FixedPolicy answers every expiry query with a constant duration.
type FixedPolicy struct {
	Fulfillment time.Duration
	Transaction time.Duration
	Escalation  time.Duration
}

func (p FixedPolicy) FulfillmentExpiry(context.Context) (time.Duration, error) {
	return p.Fulfillment, nil
}

func (p FixedPolicy) TransactionExpiry(context.Context) (time.Duration, error) {
	return p.Transaction, nil
}

func (p FixedPolicy) EscalationExpiry(context.Context) (time.Duration, error) {
	return p.Escalation, nil
}
