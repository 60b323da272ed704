package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "inkprotocol/native/common"
)

func TestConfirmWithMediatorFee(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.fees["confirm"] = big.NewInt(10)

	tx := env.create(mediatedParams(100))
	if tx.ID != 0 || tx.State != StateInitiated || tx.Creator != buyerAddr {
		t.Fatalf("unexpected created transaction %+v", tx)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 900, escrowAddr: 100})

	env.must(env.engine.Accept, sellerAddr, tx.ID)
	final := env.must(env.engine.Confirm, buyerAddr, tx.ID)
	if final.State != StateConfirmed {
		t.Fatalf("state = %s", final.State)
	}
	env.expectBalances(t, map[common.Address]int64{
		buyerAddr:    900,
		sellerAddr:   90,
		mediatorAddr: 10,
		escrowAddr:   0,
	})
	expectTypes(t, env.transitionTypes(), EventTypeInitiated, EventTypeAccepted, EventTypeConfirmed)
}

func TestSettleByMediatorScenario(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.buyerFee = big.NewInt(5)
	env.mediator.sellerFee = big.NewInt(10)
	tx := env.escalated(100)

	_, err := env.engine.SettleByMediator(context.Background(), env.call(mediatorAddr), tx.ID, big.NewInt(49), big.NewInt(50))
	if !errors.Is(err, ErrAmountMismatch) || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	_, err = env.engine.SettleByMediator(context.Background(), env.call(buyerAddr), tx.ID, big.NewInt(50), big.NewInt(50))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for buyer, got %v", err)
	}

	final, err := env.engine.SettleByMediator(context.Background(), env.call(mediatorAddr), tx.ID, big.NewInt(50), big.NewInt(50))
	if err != nil {
		t.Fatalf("settle by mediator: %v", err)
	}
	if final.State != StateSettledByMediator {
		t.Fatalf("state = %s", final.State)
	}
	env.expectBalances(t, map[common.Address]int64{
		buyerAddr:    945,
		sellerAddr:   40,
		mediatorAddr: 15,
		escrowAddr:   0,
	})
}

func TestAcceptWithoutMediatorConfirmsImmediately(t *testing.T) {
	env := newTestEnv(t)
	tx := env.create(CreateParams{Seller: sellerAddr, Amount: big.NewInt(70)})
	final := env.must(env.engine.Accept, sellerAddr, tx.ID)
	if final.State != StateConfirmed {
		t.Fatalf("state = %s", final.State)
	}
	env.expectBalances(t, map[common.Address]int64{sellerAddr: 70, escrowAddr: 0})
	expectTypes(t, env.transitionTypes(), EventTypeInitiated, EventTypeAccepted, EventTypeConfirmed)
}

func TestCreateForBuyerAndSeller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := mediatedParams(100)
	params.Buyer = buyerAddr

	if _, err := env.engine.CreateTransactionForBuyerAndSeller(ctx, env.call(agentAddr), params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized without delegation, got %v", err)
	}
	if err := env.registry.Authorize(buyerAddr, buyerAddr, agentAddr); err != nil {
		t.Fatalf("authorize buyer agent: %v", err)
	}
	if _, err := env.engine.CreateTransactionForBuyerAndSeller(ctx, env.call(agentAddr), params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized with only buyer delegation, got %v", err)
	}
	if err := env.registry.Authorize(sellerAddr, sellerAddr, agentAddr); err != nil {
		t.Fatalf("authorize seller agent: %v", err)
	}

	tx, err := env.engine.CreateTransactionForBuyerAndSeller(ctx, env.call(agentAddr), params)
	if err != nil {
		t.Fatalf("create mediated: %v", err)
	}
	if tx.State != StateAccepted || tx.Creator != agentAddr {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	env.recorder.Reset()
	plain := CreateParams{Buyer: buyerAddr, Seller: sellerAddr, Amount: big.NewInt(30)}
	direct, err := env.engine.CreateTransactionForBuyerAndSeller(ctx, env.call(agentAddr), plain)
	if err != nil {
		t.Fatalf("create direct: %v", err)
	}
	if direct.State != StateConfirmed {
		t.Fatalf("state = %s", direct.State)
	}
	expectTypes(t, env.transitionTypes(), EventTypeInitiated, EventTypeAccepted, EventTypeConfirmed)
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 870, sellerAddr: 30, escrowAddr: 100})
}

func TestCreateForBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := mediatedParams(100)
	params.Buyer = buyerAddr

	if _, err := env.engine.CreateTransactionForBuyer(ctx, env.call(agentAddr), params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := env.registry.Authorize(buyerAddr, buyerAddr, agentAddr); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	tx, err := env.engine.CreateTransactionForBuyer(ctx, env.call(agentAddr), params)
	if err != nil {
		t.Fatalf("create for buyer: %v", err)
	}
	if tx.Creator != agentAddr || tx.Buyer != buyerAddr || tx.State != StateInitiated {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	if _, err := env.engine.CreateTransactionForBuyer(ctx, env.call(buyerAddr), params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("buyer creating for itself: expected unauthorized, got %v", err)
	}

	// Naming itself as owner gives a third party no claim on the buyer's funds.
	params.Owner = ownerAddr
	if _, err := env.engine.CreateTransactionForBuyer(ctx, env.call(ownerAddr), params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unauthorized owner: expected unauthorized, got %v", err)
	}
	if len(env.owner.calls) != 0 {
		t.Fatalf("owner consulted for a rejected creation: %v", env.owner.calls)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 900, escrowAddr: 100})

	owned, err := env.engine.CreateTransactionForBuyer(ctx, env.call(agentAddr), params)
	if err != nil {
		t.Fatalf("owned create: %v", err)
	}
	if owned.Owner != ownerAddr || owned.Creator != agentAddr {
		t.Fatalf("unexpected owned transaction %+v", owned)
	}
	if len(env.owner.calls) != 1 || env.owner.calls[0] != owned.ID {
		t.Fatalf("owner consulted with %v", env.owner.calls)
	}
	last := env.mediator.requests[len(env.mediator.requests)-1]
	if last.id != owned.ID || last.owner != ownerAddr || last.amount.Int64() != 100 {
		t.Fatalf("mediator request = %+v", last)
	}

	// The owner is not a party to the transaction.
	if _, err := env.engine.Accept(ctx, env.call(ownerAddr), owned.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("owner accepted: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	unknown := common.HexToAddress("0x99")
	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"zero seller", func(p *CreateParams) { p.Seller = common.Address{} }},
		{"seller is buyer", func(p *CreateParams) { p.Seller = buyerAddr }},
		{"zero amount", func(p *CreateParams) { p.Amount = big.NewInt(0) }},
		{"negative amount", func(p *CreateParams) { p.Amount = big.NewInt(-5) }},
		{"nil amount", func(p *CreateParams) { p.Amount = nil }},
		{"mediator without policy", func(p *CreateParams) { p.Policy = common.Address{} }},
		{"policy without mediator", func(p *CreateParams) { p.Mediator = common.Address{} }},
		{"owner is seller", func(p *CreateParams) { p.Owner = sellerAddr }},
		{"unknown mediator", func(p *CreateParams) { p.Mediator = unknown }},
		{"unknown policy", func(p *CreateParams) { p.Policy = unknown }},
		{"unknown owner", func(p *CreateParams) { p.Owner = unknown }},
		{"escrow as seller", func(p *CreateParams) { p.Seller = escrowAddr }},
		{"insufficient balance", func(p *CreateParams) { p.Amount = big.NewInt(1_001) }},
	}
	for _, tc := range cases {
		params := mediatedParams(100)
		tc.mutate(&params)
		if _, err := env.engine.CreateTransaction(context.Background(), env.call(buyerAddr), params); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", tc.name, err)
		}
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 1_000, escrowAddr: 0})
	if next, _ := env.engine.NextID(); next != 0 {
		t.Fatalf("failed creations consumed ids: next = %d", next)
	}
	if len(env.recorder.Events()) != 0 {
		t.Fatalf("failed creations emitted events")
	}
}

func TestCreateRejectedByCollaborators(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mediator.accept = false
	if _, err := env.engine.CreateTransaction(ctx, env.call(buyerAddr), mediatedParams(100)); !errors.Is(err, ErrCollaboratorRejected) {
		t.Fatalf("expected mediator rejection, got %v", err)
	}
	env.mediator.accept = true
	env.mediator.requestErr = errStub
	if _, err := env.engine.CreateTransaction(ctx, env.call(buyerAddr), mediatedParams(100)); !errors.Is(err, ErrCollaboratorRejected) {
		t.Fatalf("expected failing mediator to reject, got %v", err)
	}
	env.mediator.requestErr = nil

	env.owner.approve = false
	params := mediatedParams(100)
	params.Owner = ownerAddr
	if _, err := env.engine.CreateTransaction(ctx, env.call(buyerAddr), params); !errors.Is(err, ErrCollaboratorRejected) {
		t.Fatalf("expected owner rejection, got %v", err)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 1_000, escrowAddr: 0})

	env.owner.approve = true
	tx, err := env.engine.CreateTransaction(ctx, env.call(buyerAddr), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.ID != 0 {
		t.Fatalf("id = %d, want 0 after rejected creations", tx.ID)
	}
}

func TestIDsAreMonotonicWithoutGaps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var ids []uint64
	for i := 0; i < 5; i++ {
		tx := env.create(mediatedParams(10))
		ids = append(ids, tx.ID)
		env.mediator.accept = false
		if _, err := env.engine.CreateTransaction(ctx, env.call(buyerAddr), mediatedParams(10)); err == nil {
			t.Fatalf("rejected creation succeeded")
		}
		env.mediator.accept = true
	}
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("ids = %v", ids)
		}
	}
	if next, err := env.engine.NextID(); err != nil || next != 5 {
		t.Fatalf("next id = %d, %v", next, err)
	}
}

func TestTimeGatesAnchorOnStateEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.policy.fulfillment = 50 * time.Second
	env.policy.transaction = 80 * time.Second
	env.policy.escalation = 30 * time.Second
	env.mediator.expiry = 20 * time.Second

	tx := env.create(mediatedParams(100))
	env.now = 1_100
	env.must(env.engine.Accept, sellerAddr, tx.ID)

	env.now = 1_149
	if _, err := env.engine.Dispute(ctx, env.call(buyerAddr), tx.ID); !errors.Is(err, ErrNotYetEligible) {
		t.Fatalf("expected not yet eligible, got %v", err)
	}
	env.now = 1_150
	env.must(env.engine.Dispute, buyerAddr, tx.ID)

	env.now = 1_179
	if _, err := env.engine.RefundAfterExpiry(ctx, env.call(buyerAddr), tx.ID); !errors.Is(err, ErrNotYetEligible) {
		t.Fatalf("expected not yet eligible, got %v", err)
	}
	env.must(env.engine.Escalate, sellerAddr, tx.ID)

	env.now = 1_198
	for _, op := range []engineOp{env.engine.Settle, env.engine.Confirm} {
		if _, err := op(ctx, env.call(buyerAddr), tx.ID); !errors.Is(err, ErrNotYetEligible) {
			t.Fatalf("expected not yet eligible, got %v", err)
		}
	}
	env.now = 1_199
	final := env.must(env.engine.Confirm, buyerAddr, tx.ID)
	if final.State != StateConfirmedAfterEscalation {
		t.Fatalf("state = %s", final.State)
	}
	env.expectBalances(t, map[common.Address]int64{sellerAddr: 100, mediatorAddr: 0, escrowAddr: 0})

	other := env.create(mediatedParams(100))
	env.must(env.engine.Accept, sellerAddr, other.ID)
	env.now += 79
	if _, err := env.engine.ConfirmAfterExpiry(ctx, env.call(sellerAddr), other.ID); !errors.Is(err, ErrNotYetEligible) {
		t.Fatalf("expected not yet eligible, got %v", err)
	}
	env.now++
	if final := env.must(env.engine.ConfirmAfterExpiry, sellerAddr, other.ID); final.State != StateConfirmedAfterExpiry {
		t.Fatalf("state = %s", final.State)
	}
}

func TestFailingPolicyMakesTransitionsEligible(t *testing.T) {
	for name, policy := range map[string]*stubPolicy{
		"error":    {fulfillment: time.Hour, escalation: time.Hour, err: errStub},
		"panic":    {fulfillment: time.Hour, escalation: time.Hour, panics: true},
		"negative": {fulfillment: -time.Hour, escalation: -time.Hour},
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			*env.policy = *policy
			env.mediator.fees["refundAfterExpiry"] = big.NewInt(4)
			tx := env.create(mediatedParams(100))
			env.must(env.engine.Accept, sellerAddr, tx.ID)
			env.must(env.engine.Dispute, buyerAddr, tx.ID)
			final := env.must(env.engine.RefundAfterExpiry, buyerAddr, tx.ID)
			if final.State != StateRefundedAfterExpiry {
				t.Fatalf("state = %s", final.State)
			}
			env.expectBalances(t, map[common.Address]int64{buyerAddr: 996, mediatorAddr: 4, escrowAddr: 0})
		})
	}
}

func TestFailingMediationExpiryDefaultsToZero(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.expiry = time.Hour
	env.mediator.expiryErr = errStub
	tx := env.escalated(99)
	final := env.must(env.engine.Settle, sellerAddr, tx.ID)
	if final.State != StateSettled {
		t.Fatalf("state = %s", final.State)
	}
}

func TestFeeClamping(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*stubMediator)
		fee   int64
	}{
		{"within share", func(m *stubMediator) { m.fees["refund"] = big.NewInt(100) }, 100},
		{"above share", func(m *stubMediator) { m.fees["refund"] = big.NewInt(101) }, 0},
		{"negative", func(m *stubMediator) { m.fees["refund"] = big.NewInt(-1) }, 0},
		{"error", func(m *stubMediator) { m.fees["refund"] = big.NewInt(10); m.feeErr = errStub }, 0},
		{"panic", func(m *stubMediator) { m.feePanics = true }, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			tc.setup(env.mediator)
			tx := env.create(mediatedParams(100))
			env.must(env.engine.Accept, sellerAddr, tx.ID)
			final := env.must(env.engine.Refund, sellerAddr, tx.ID)
			if final.State != StateRefunded {
				t.Fatalf("state = %s", final.State)
			}
			env.expectBalances(t, map[common.Address]int64{
				mediatorAddr: tc.fee,
				buyerAddr:    1_000 - tc.fee,
				escrowAddr:   0,
			})
		})
	}
}

func TestSettlementFeesClampIndependently(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.buyerFee = big.NewInt(31)
	env.mediator.sellerFee = big.NewInt(7)
	tx := env.escalated(100)
	if _, err := env.engine.SettleByMediator(context.Background(), env.call(mediatorAddr), tx.ID, big.NewInt(30), big.NewInt(70)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	env.expectBalances(t, map[common.Address]int64{
		buyerAddr:    930,
		sellerAddr:   63,
		mediatorAddr: 7,
		escrowAddr:   0,
	})
}

func TestSettleSplitFavorsSeller(t *testing.T) {
	for _, tc := range []struct{ amount, buyer, seller int64 }{{100, 50, 50}, {99, 49, 50}, {1, 0, 1}} {
		env := newTestEnv(t)
		tx := env.escalated(tc.amount)
		final := env.must(env.engine.Settle, buyerAddr, tx.ID)
		if final.State != StateSettled {
			t.Fatalf("state = %s", final.State)
		}
		env.expectBalances(t, map[common.Address]int64{
			buyerAddr:  1_000 - tc.amount + tc.buyer,
			sellerAddr: tc.seller,
			escrowAddr: 0,
		})
	}
}

func TestRefundAndConfirmPaths(t *testing.T) {
	type path struct {
		name     string
		prepare  func(env *testEnv) uint64
		op       func(env *testEnv) engineOp
		caller   common.Address
		fee      string
		want     State
		receiver common.Address
	}
	accepted := func(env *testEnv) uint64 {
		tx := env.create(mediatedParams(100))
		env.must(env.engine.Accept, sellerAddr, tx.ID)
		return tx.ID
	}
	disputed := func(env *testEnv) uint64 {
		id := accepted(env)
		env.must(env.engine.Dispute, buyerAddr, id)
		return id
	}
	escalated := func(env *testEnv) uint64 { return env.escalated(100).ID }
	paths := []path{
		{"confirm after dispute", disputed, func(env *testEnv) engineOp { return env.engine.Confirm }, buyerAddr, "confirmAfterDispute", StateConfirmedAfterDispute, sellerAddr},
		{"refund after dispute", disputed, func(env *testEnv) engineOp { return env.engine.Refund }, sellerAddr, "refundAfterDispute", StateRefundedAfterDispute, buyerAddr},
		{"confirm by mediator", escalated, func(env *testEnv) engineOp { return env.engine.ConfirmByMediator }, mediatorAddr, "confirmByMediator", StateConfirmedByMediator, sellerAddr},
		{"refund by mediator", escalated, func(env *testEnv) engineOp { return env.engine.RefundByMediator }, mediatorAddr, "refundByMediator", StateRefundedByMediator, buyerAddr},
		{"refund after escalation", escalated, func(env *testEnv) engineOp { return env.engine.Refund }, sellerAddr, "", StateRefundedAfterEscalation, buyerAddr},
		{"confirm after expiry", accepted, func(env *testEnv) engineOp { return env.engine.ConfirmAfterExpiry }, sellerAddr, "confirmAfterExpiry", StateConfirmedAfterExpiry, sellerAddr},
	}
	for _, p := range paths {
		t.Run(p.name, func(t *testing.T) {
			env := newTestEnv(t)
			for _, name := range []string{"confirmAfterDispute", "refundAfterDispute", "confirmByMediator", "refundByMediator", "confirmAfterExpiry"} {
				env.mediator.fees[name] = big.NewInt(7)
			}
			id := p.prepare(env)
			before := env.balance(p.receiver)
			final := env.must(p.op(env), p.caller, id)
			if final.State != p.want {
				t.Fatalf("state = %s, want %s", final.State, p.want)
			}
			fee := int64(0)
			if p.fee != "" {
				fee = 7
			}
			if got := env.balance(p.receiver) - before; got != 100-fee {
				t.Fatalf("receiver gained %d, want %d", got, 100-fee)
			}
			env.expectBalances(t, map[common.Address]int64{mediatorAddr: fee, escrowAddr: 0})
			if p.fee != "" && env.mediator.feeCalls[p.fee] != 1 {
				t.Fatalf("fee function %s called %d times", p.fee, env.mediator.feeCalls[p.fee])
			}
		})
	}
}

func TestRevokeReturnsFunds(t *testing.T) {
	env := newTestEnv(t)
	tx := env.create(mediatedParams(100))
	if _, err := env.engine.Revoke(context.Background(), env.call(sellerAddr), tx.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller revoked: %v", err)
	}
	final := env.must(env.engine.Revoke, buyerAddr, tx.ID)
	if final.State != StateRevoked {
		t.Fatalf("state = %s", final.State)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 1_000, escrowAddr: 0})
}

func TestOperationsRejectOtherStates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	settleByMediator := func(ctx context.Context, call Call, id uint64) (*Transaction, error) {
		return env.engine.SettleByMediator(ctx, call, id, big.NewInt(50), big.NewInt(50))
	}
	ops := []struct {
		name   string
		op     engineOp
		caller common.Address
		from   []State
	}{
		{"accept", env.engine.Accept, sellerAddr, []State{StateInitiated}},
		{"revoke", env.engine.Revoke, buyerAddr, []State{StateInitiated}},
		{"dispute", env.engine.Dispute, buyerAddr, []State{StateAccepted}},
		{"escalate", env.engine.Escalate, sellerAddr, []State{StateDisputed}},
		{"confirm", env.engine.Confirm, buyerAddr, []State{StateAccepted, StateDisputed, StateEscalated}},
		{"confirm after expiry", env.engine.ConfirmAfterExpiry, sellerAddr, []State{StateAccepted}},
		{"refund", env.engine.Refund, sellerAddr, []State{StateAccepted, StateDisputed, StateEscalated}},
		{"refund after expiry", env.engine.RefundAfterExpiry, buyerAddr, []State{StateDisputed}},
		{"settle", env.engine.Settle, buyerAddr, []State{StateEscalated}},
		{"confirm by mediator", env.engine.ConfirmByMediator, mediatorAddr, []State{StateEscalated}},
		{"refund by mediator", env.engine.RefundByMediator, mediatorAddr, []State{StateEscalated}},
		{"settle by mediator", settleByMediator, mediatorAddr, []State{StateEscalated}},
	}
	tx := env.create(mediatedParams(100))
	for _, op := range ops {
		allowed := make(map[State]bool)
		for _, st := range op.from {
			allowed[st] = true
		}
		for _, st := range AllStates() {
			if allowed[st] {
				continue
			}
			env.forceState(tx.ID, st)
			if _, err := op.op(ctx, env.call(op.caller), tx.ID); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("%s from %s: expected invalid state, got %v", op.name, st, err)
			}
		}
	}
}

func TestAgentsActForParties(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.create(mediatedParams(100))
	if _, err := env.engine.Accept(ctx, env.call(agentAddr), tx.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("undelegated agent accepted: %v", err)
	}
	if err := env.registry.Authorize(sellerAddr, sellerAddr, agentAddr); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	env.must(env.engine.Accept, agentAddr, tx.ID)
	if _, err := env.engine.Confirm(ctx, env.call(agentAddr), tx.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller's agent confirmed for buyer: %v", err)
	}
	if _, err := env.engine.ConfirmByMediator(ctx, env.call(strangerAddr), tx.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger acted as mediator: %v", err)
	}
	if err := env.registry.Deauthorize(sellerAddr, sellerAddr, agentAddr); err != nil {
		t.Fatalf("deauthorize: %v", err)
	}
	env.must(env.engine.Dispute, buyerAddr, tx.ID)
	if _, err := env.engine.Escalate(ctx, env.call(agentAddr), tx.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("revoked agent escalated: %v", err)
	}
}

func TestUnknownTransaction(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Transaction(42); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.engine.Accept(context.Background(), env.call(sellerAddr), 42); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPausedEngineRejectsOperations(t *testing.T) {
	env := newTestEnv(t)
	tx := env.create(mediatedParams(100))
	pauses := nativecommon.NewPauses(ModuleName)
	env.engine.SetPauses(pauses)
	if _, err := env.engine.Accept(context.Background(), env.call(sellerAddr), tx.ID); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if _, err := env.engine.CreateTransaction(context.Background(), env.call(buyerAddr), mediatedParams(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	pauses.Set(ModuleName, false)
	env.must(env.engine.Accept, sellerAddr, tx.ID)
}

func TestReentrantCollaboratorIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.fees["confirm"] = big.NewInt(10)
	tx := env.create(mediatedParams(100))
	env.must(env.engine.Accept, sellerAddr, tx.ID)

	var reentryErr error
	env.mediator.onFee = func(ctx context.Context) {
		_, reentryErr = env.engine.Refund(ctx, env.call(sellerAddr), tx.ID)
	}
	final := env.must(env.engine.Confirm, buyerAddr, tx.ID)
	if !errors.Is(reentryErr, ErrReentrantCall) {
		t.Fatalf("expected reentrant call error, got %v", reentryErr)
	}
	if final.State != StateConfirmed {
		t.Fatalf("state = %s", final.State)
	}
	env.expectBalances(t, map[common.Address]int64{sellerAddr: 90, mediatorAddr: 10, escrowAddr: 0})

	var createErr error
	env.mediator.onRequest = func(ctx context.Context) {
		_, createErr = env.engine.CreateTransaction(ctx, env.call(buyerAddr), mediatedParams(1))
	}
	env.create(mediatedParams(10))
	if !errors.Is(createErr, ErrReentrantCall) {
		t.Fatalf("expected reentrant create error, got %v", createErr)
	}
}

func TestCallbackWithFreshContextDoesNotDeadlock(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.fees["confirm"] = big.NewInt(10)
	tx := env.create(mediatedParams(100))
	env.must(env.engine.Accept, sellerAddr, tx.ID)

	var once sync.Once
	var innerErr error
	env.mediator.onFee = func(context.Context) {
		once.Do(func() {
			_, innerErr = env.engine.Refund(context.Background(), env.call(sellerAddr), tx.ID)
		})
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Confirm(context.Background(), env.call(buyerAddr), tx.ID)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("outer confirm: expected invalid state, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("confirm blocked on its own callback")
	}
	if innerErr != nil {
		t.Fatalf("inner refund: %v", innerErr)
	}
	got, err := env.engine.Transaction(tx.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != StateRefunded {
		t.Fatalf("state = %s", got.State)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 1_000, sellerAddr: 0, mediatorAddr: 0, escrowAddr: 0})
}

func TestCreateCallbackWithFreshContextTakesNextID(t *testing.T) {
	env := newTestEnv(t)
	var once sync.Once
	var inner *Transaction
	var innerErr error
	env.mediator.onRequest = func(context.Context) {
		once.Do(func() {
			inner, innerErr = env.engine.CreateTransaction(context.Background(), env.call(buyerAddr), mediatedParams(30))
		})
	}
	outer := env.create(mediatedParams(50))
	if innerErr != nil {
		t.Fatalf("inner create: %v", innerErr)
	}
	if inner.ID != 0 || outer.ID != 1 {
		t.Fatalf("ids: inner %d outer %d", inner.ID, outer.ID)
	}
	var requested []uint64
	for _, req := range env.mediator.requests {
		requested = append(requested, req.id)
	}
	if len(requested) != 3 || requested[0] != 0 || requested[1] != 0 || requested[2] != 1 {
		t.Fatalf("mediator asked about %v", requested)
	}
	next, err := env.engine.NextID()
	if err != nil || next != 2 {
		t.Fatalf("next id = %d, %v", next, err)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 920, escrowAddr: 80})
}

func TestConcurrentOperationOvertakesBlockedCollaborator(t *testing.T) {
	env := newTestEnv(t)
	tx := env.create(mediatedParams(100))
	env.must(env.engine.Accept, sellerAddr, tx.ID)

	entered := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	env.mediator.onFee = func(context.Context) {
		once.Do(func() {
			close(entered)
			<-resume
		})
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Confirm(context.Background(), env.call(buyerAddr), tx.ID)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	refunded, err := env.engine.Refund(ctx, env.call(sellerAddr), tx.ID)
	if err != nil {
		t.Fatalf("refund while confirm is pending: %v", err)
	}
	if refunded.State != StateRefunded {
		t.Fatalf("state = %s", refunded.State)
	}
	close(resume)
	if err := <-done; !errors.Is(err, ErrInvalidState) {
		t.Fatalf("overtaken confirm: expected invalid state, got %v", err)
	}
	env.expectBalances(t, map[common.Address]int64{buyerAddr: 1_000, sellerAddr: 0, escrowAddr: 0})
}

func TestCommitWithRetry(t *testing.T) {
	attempts := 0
	err := commitWithRetry(context.Background(), func() error {
		attempts++
		return errStale
	})
	if !errors.Is(err, ErrConflict) || attempts != maxCommitAttempts {
		t.Fatalf("err = %v after %d attempts", err, attempts)
	}

	attempts = 0
	err = commitWithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errStale
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Fatalf("err = %v after %d attempts", err, attempts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := commitWithRetry(ctx, func() error { return errStale }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestCallTimeOverridesClock(t *testing.T) {
	env := newTestEnv(t)
	env.now = 5_000
	tx, err := env.engine.CreateTransaction(context.Background(), Call{Sender: buyerAddr, At: time.Unix(0, 0)}, mediatedParams(10))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.CreatedAt != 0 {
		t.Fatalf("epoch timestamp replaced by clock: %d", tx.CreatedAt)
	}
	accepted := env.must(env.engine.Accept, sellerAddr, tx.ID)
	if accepted.StateEnteredAt != 5_000 {
		t.Fatalf("zero At should use the clock, got %d", accepted.StateEnteredAt)
	}
}

func TestConcurrentTransitionsConserveFunds(t *testing.T) {
	env := newTestEnv(t)
	env.mediator.fees["confirm"] = big.NewInt(3)
	const n = 20
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		tx := env.create(mediatedParams(10))
		env.must(env.engine.Accept, sellerAddr, tx.ID)
		ids = append(ids, tx.ID)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for _, id := range ids {
		id := id
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.engine.Confirm(context.Background(), env.call(buyerAddr), id)
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	var ok, invalid int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidState):
			invalid++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != n || invalid != n {
		t.Fatalf("ok=%d invalid=%d", ok, invalid)
	}
	env.expectBalances(t, map[common.Address]int64{
		buyerAddr:    1_000 - 10*n,
		sellerAddr:   7 * n,
		mediatorAddr: 3 * n,
		escrowAddr:   0,
	})
}

func TestTransactionsPersistAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	env.now = 1_234
	tx := env.create(mediatedParams(100))
	env.must(env.engine.Accept, sellerAddr, tx.ID)

	reopened := NewEngine(env.manager, env.registry, env.engine.Directory(), escrowAddr)
	got, err := reopened.Transaction(tx.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != StateAccepted || got.StateEnteredAt != 1_234 || got.Amount.Int64() != 100 ||
		got.MetadataHash != tx.MetadataHash || got.Mediator != mediatorAddr || got.Creator != buyerAddr {
		t.Fatalf("unexpected reloaded transaction %+v", got)
	}
	if escrowed, _ := reopened.EscrowBalance(); escrowed.Int64() != 100 {
		t.Fatalf("escrow balance = %s", escrowed)
	}
	next, err := reopened.NextID()
	if err != nil || next != 1 {
		t.Fatalf("next id = %d, %v", next, err)
	}
}
