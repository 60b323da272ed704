package escrow

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/events"
	"inkprotocol/core/state"
	"inkprotocol/native/authority"
	"inkprotocol/native/bank"
	"inkprotocol/storage"
)

var (
	buyerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	sellerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	mediatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000d3")
	policyAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e4")
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f5")
	agentAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a6")
	strangerAddr = common.HexToAddress("0x0000000000000000000000000000000000000077")
	escrowAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

var errStub = errors.New("stub failure")

type stubPolicy struct {
	fulfillment time.Duration
	transaction time.Duration
	escalation  time.Duration
	err         error
	panics      bool
}

func (p *stubPolicy) answer(d time.Duration) (time.Duration, error) {
	if p.panics {
		panic("policy exploded")
	}
	if p.err != nil {
		return 0, p.err
	}
	return d, nil
}

func (p *stubPolicy) FulfillmentExpiry(context.Context) (time.Duration, error) {
	return p.answer(p.fulfillment)
}

func (p *stubPolicy) TransactionExpiry(context.Context) (time.Duration, error) {
	return p.answer(p.transaction)
}

func (p *stubPolicy) EscalationExpiry(context.Context) (time.Duration, error) {
	return p.answer(p.escalation)
}

type mediationRequest struct {
	id     uint64
	amount *big.Int
	owner  common.Address
}

type stubMediator struct {
	mu sync.Mutex

	accept     bool
	requestErr error
	requests   []mediationRequest
	onRequest  func(ctx context.Context)

	expiry    time.Duration
	expiryErr error

	fees      map[string]*big.Int
	feeErr    error
	feePanics bool
	feeCalls  map[string]int
	onFee     func(ctx context.Context)

	buyerFee  *big.Int
	sellerFee *big.Int
}

func newStubMediator() *stubMediator {
	return &stubMediator{accept: true, fees: make(map[string]*big.Int), feeCalls: make(map[string]int)}
}

func (m *stubMediator) RequestMediator(ctx context.Context, id uint64, amount *big.Int, owner common.Address) (bool, error) {
	m.mu.Lock()
	m.requests = append(m.requests, mediationRequest{id: id, amount: new(big.Int).Set(amount), owner: owner})
	hook := m.onRequest
	m.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return m.accept, m.requestErr
}

func (m *stubMediator) MediationExpiry(context.Context) (time.Duration, error) {
	return m.expiry, m.expiryErr
}

func (m *stubMediator) fee(ctx context.Context, name string) (*big.Int, error) {
	m.mu.Lock()
	m.feeCalls[name]++
	fee := m.fees[name]
	hook := m.onFee
	m.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if m.feePanics {
		panic("fee exploded")
	}
	if m.feeErr != nil {
		return nil, m.feeErr
	}
	if fee == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(fee), nil
}

func (m *stubMediator) ConfirmTransactionFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "confirm")
}

func (m *stubMediator) ConfirmTransactionAfterDisputeFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "confirmAfterDispute")
}

func (m *stubMediator) ConfirmTransactionAfterExpiryFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "confirmAfterExpiry")
}

func (m *stubMediator) ConfirmTransactionByMediatorFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "confirmByMediator")
}

func (m *stubMediator) RefundTransactionFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "refund")
}

func (m *stubMediator) RefundTransactionAfterDisputeFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "refundAfterDispute")
}

func (m *stubMediator) RefundTransactionAfterExpiryFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "refundAfterExpiry")
}

func (m *stubMediator) RefundTransactionByMediatorFee(ctx context.Context, _ *big.Int) (*big.Int, error) {
	return m.fee(ctx, "refundByMediator")
}

func (m *stubMediator) SettleTransactionByMediatorFee(ctx context.Context, _, _ *big.Int) (*big.Int, *big.Int, error) {
	if _, err := m.fee(ctx, "settleByMediator"); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buyerFee, m.sellerFee, nil
}

type stubOwner struct {
	approve bool
	err     error
	calls   []uint64
}

func (o *stubOwner) AuthorizeTransaction(_ context.Context, id uint64, _ common.Address) (bool, error) {
	o.calls = append(o.calls, id)
	return o.approve, o.err
}

type testEnv struct {
	t        *testing.T
	engine   *Engine
	manager  *state.Manager
	ledger   *bank.Ledger
	registry *authority.Registry
	recorder *events.Recorder
	policy   *stubPolicy
	mediator *stubMediator
	owner    *stubOwner
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	manager := state.NewManager(db)
	registry := authority.NewRegistry(manager)
	directory := NewDirectory()
	env := &testEnv{
		t:        t,
		manager:  manager,
		ledger:   bank.NewLedger(manager),
		registry: registry,
		recorder: &events.Recorder{},
		policy:   &stubPolicy{},
		mediator: newStubMediator(),
		owner:    &stubOwner{approve: true},
		now:      1_000,
	}
	if err := directory.RegisterPolicy(policyAddr, env.policy); err != nil {
		t.Fatalf("register policy: %v", err)
	}
	if err := directory.RegisterMediator(mediatorAddr, env.mediator); err != nil {
		t.Fatalf("register mediator: %v", err)
	}
	if err := directory.RegisterOwner(ownerAddr, env.owner); err != nil {
		t.Fatalf("register owner: %v", err)
	}
	env.engine = NewEngine(manager, registry, directory, escrowAddr)
	env.engine.SetEmitter(env.recorder)
	env.engine.SetNowFunc(func() int64 { return env.now })
	env.fund(buyerAddr, 1_000)
	return env
}

func (env *testEnv) fund(addr common.Address, amount int64) {
	env.t.Helper()
	if err := env.ledger.Mint(addr, big.NewInt(amount)); err != nil {
		env.t.Fatalf("mint: %v", err)
	}
}

func (env *testEnv) balance(addr common.Address) int64 {
	env.t.Helper()
	bal, err := env.ledger.BalanceOf(addr)
	if err != nil {
		env.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (env *testEnv) call(sender common.Address) Call {
	return Call{Sender: sender}
}

func mediatedParams(amount int64) CreateParams {
	return CreateParams{
		Seller:       sellerAddr,
		Amount:       big.NewInt(amount),
		MetadataHash: common.HexToHash("0x1234"),
		Policy:       policyAddr,
		Mediator:     mediatorAddr,
	}
}

func (env *testEnv) create(params CreateParams) *Transaction {
	env.t.Helper()
	tx, err := env.engine.CreateTransaction(context.Background(), env.call(buyerAddr), params)
	if err != nil {
		env.t.Fatalf("create: %v", err)
	}
	return tx
}

type engineOp func(context.Context, Call, uint64) (*Transaction, error)

func (env *testEnv) must(op engineOp, sender common.Address, id uint64) *Transaction {
	env.t.Helper()
	tx, err := op(context.Background(), env.call(sender), id)
	if err != nil {
		env.t.Fatalf("operation on %d by %s: %v", id, sender.Hex(), err)
	}
	return tx
}

// escalated drives a fresh mediated transaction to Escalated.
func (env *testEnv) escalated(amount int64) *Transaction {
	env.t.Helper()
	tx := env.create(mediatedParams(amount))
	env.must(env.engine.Accept, sellerAddr, tx.ID)
	env.must(env.engine.Dispute, buyerAddr, tx.ID)
	return env.must(env.engine.Escalate, sellerAddr, tx.ID)
}

// forceState rewrites the stored state of a transaction.
func (env *testEnv) forceState(id uint64, st State) {
	env.t.Helper()
	err := env.manager.Update(func(txn *state.Txn) error {
		tx, err := loadTransaction(txn, id)
		if err != nil {
			return err
		}
		tx.State = st
		return putTransaction(txn, tx)
	})
	if err != nil {
		env.t.Fatalf("force state: %v", err)
	}
}

func (env *testEnv) transitionTypes() []string {
	var out []string
	for _, typ := range env.recorder.Types() {
		if strings.HasPrefix(typ, eventTypePrefix) {
			out = append(out, typ)
		}
	}
	return out
}

func (env *testEnv) expectBalances(t *testing.T, want map[common.Address]int64) {
	t.Helper()
	for addr, amount := range want {
		if got := env.balance(addr); got != amount {
			t.Fatalf("balance of %s = %d, want %d", addr.Hex(), got, amount)
		}
	}
}

func expectTypes(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}
