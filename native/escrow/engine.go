package escrow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"inkprotocol/core/events"
	"inkprotocol/core/state"
	"inkprotocol/core/types"
	"inkprotocol/native/bank"
	nativecommon "inkprotocol/native/common"
)

// ModuleName is the pause-guard key of the escrow engine.
const ModuleName = "escrow"

var (
	transactionPrefix = []byte("escrow/tx/")
	nextIDKey         = []byte("escrow/next-id")
)

func transactionKey(id uint64) []byte {
	buf := make([]byte, len(transactionPrefix)+8)
	copy(buf, transactionPrefix)
	binary.BigEndian.PutUint64(buf[len(transactionPrefix):], id)
	return buf
}

// Call identifies who invokes an operation and when. The zero At selects the
// engine clock; any other value, including the Unix epoch, is used as given.
type Call struct {
	Sender common.Address
	At     time.Time
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns the transaction ledger and the funds held in custody.
// Collaborators are consulted without any engine lock held; record and balance
// changes are then committed in one state update that first checks the reads
// the operation was based on, recomputing the operation when they went stale.
type Engine struct {
	state     *state.Manager
	auth      Authorizer
	directory *Directory
	escrow    common.Address

	emitter  events.Emitter
	observer Observer
	pauses   nativecommon.PauseView
	logger   *slog.Logger
	nowFn    func() int64
}

// NewEngine creates an engine holding custody at the escrow address.
func NewEngine(manager *state.Manager, auth Authorizer, directory *Directory, escrow common.Address) *Engine {
	if directory == nil {
		directory = NewDirectory()
	}
	return &Engine{
		state:     manager,
		auth:      auth,
		directory: directory,
		escrow:    escrow,
		emitter:   events.NoopEmitter{},
		observer:  noopObserver{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used when a Call carries no timestamp.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetObserver installs the arbitration telemetry sink.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		e.observer = noopObserver{}
		return
	}
	e.observer = o
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	e.logger = logger
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// Directory exposes the collaborator directory for registration.
func (e *Engine) Directory() *Directory { return e.directory }

// EscrowAddress returns the custody account.
func (e *Engine) EscrowAddress() common.Address { return e.escrow }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) timestamp(call Call) int64 {
	if !call.At.IsZero() {
		return call.At.Unix()
	}
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.auth == nil {
		return errNilAuthorizer
	}
	return nativecommon.Guard(e.pauses, ModuleName)
}

func loadTransaction(txn *state.Txn, id uint64) (*Transaction, error) {
	var stored storedTransaction
	ok, err := txn.KVGet(transactionKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	return stored.transaction(), nil
}

func putTransaction(txn *state.Txn, tx *Transaction) error {
	return txn.KVPut(transactionKey(tx.ID), toStored(tx))
}

func loadNextID(txn *state.Txn) (uint64, error) {
	var next uint64
	if _, err := txn.KVGet(nextIDKey, &next); err != nil {
		return 0, err
	}
	return next, nil
}

// Transaction returns a copy of the stored transaction.
func (e *Engine) Transaction(id uint64) (*Transaction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var tx *Transaction
	err := e.state.View(func(txn *state.Txn) error {
		var err error
		tx, err = loadTransaction(txn, id)
		return err
	})
	return tx, err
}

// NextID returns the id the next successful creation will receive, which is
// also the number of transactions created so far.
func (e *Engine) NextID() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	var next uint64
	err := e.state.View(func(txn *state.Txn) error {
		var err error
		next, err = loadNextID(txn)
		return err
	})
	return next, err
}

// EscrowBalance returns the total amount held in custody.
func (e *Engine) EscrowBalance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.Balance(e.escrow)
}

// leg is a single disbursement out of escrow.
type leg struct {
	to     common.Address
	amount *big.Int
}

// outcome describes the effect of a successful operation. via lists states
// passed through on the way to the final state, each of which gets a record.
type outcome struct {
	to   State
	via  []State
	legs []leg

	fee          *big.Int
	buyerFee     *big.Int
	sellerFee    *big.Int
	buyerAmount  *big.Int
	sellerAmount *big.Int
}

func (o *outcome) recordedStates() []State {
	return append(append([]State(nil), o.via...), o.to)
}

func (e *Engine) disburse(txn *state.Txn, legs []leg, memo string, transfers *[]events.Transfer) error {
	for _, l := range legs {
		if l.amount == nil || l.amount.Sign() == 0 {
			continue
		}
		if err := bank.Transfer(txn, e.escrow, l.to, l.amount); err != nil {
			return err
		}
		*transfers = append(*transfers, events.Transfer{From: e.escrow, To: l.to, Amount: new(big.Int).Set(l.amount), Memo: memo})
	}
	return nil
}

func (e *Engine) publish(tx *Transaction, out *outcome, transfers []events.Transfer) {
	for _, st := range out.recordedStates() {
		e.observer.TransitionApplied(st)
		e.emit(newTransitionEvent(tx, st, out))
	}
	for _, transfer := range transfers {
		e.emitter.Emit(transfer)
	}
	e.logger.Debug("escrow transition applied", "id", tx.ID, "state", tx.State.String())
}

// CreateParams carries the fields of a new transaction. Zero collaborator
// addresses leave the collaborator unset.
type CreateParams struct {
	Buyer        common.Address
	Seller       common.Address
	Amount       *big.Int
	MetadataHash common.Hash
	Policy       common.Address
	Mediator     common.Address
	Owner        common.Address
}

type createKind uint8

const (
	createByBuyer createKind = iota
	createForBuyer
	createForBuyerAndSeller
)

// CreateTransaction escrows amount from the caller, who becomes the buyer.
func (e *Engine) CreateTransaction(ctx context.Context, call Call, params CreateParams) (*Transaction, error) {
	params.Buyer = call.Sender
	return e.create(ctx, call, params, createByBuyer)
}

// CreateTransactionForBuyer escrows amount from params.Buyer on behalf of the
// caller, which must be an agent authorized by the buyer. Buyers creating for
// themselves use CreateTransaction.
func (e *Engine) CreateTransactionForBuyer(ctx context.Context, call Call, params CreateParams) (*Transaction, error) {
	return e.create(ctx, call, params, createForBuyer)
}

// CreateTransactionForBuyerAndSeller creates a transaction that both parties
// pre-agreed to through a shared agent. It starts Accepted, or Confirmed when
// no mediator is set.
func (e *Engine) CreateTransactionForBuyerAndSeller(ctx context.Context, call Call, params CreateParams) (*Transaction, error) {
	return e.create(ctx, call, params, createForBuyerAndSeller)
}

func (e *Engine) validateCreate(p CreateParams) error {
	zero := common.Address{}
	switch {
	case p.Buyer == zero:
		return fmt.Errorf("%w: buyer required", ErrInvalidArgument)
	case p.Seller == zero:
		return fmt.Errorf("%w: seller required", ErrInvalidArgument)
	case p.Seller == p.Buyer:
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidArgument)
	case p.Owner != zero && (p.Owner == p.Buyer || p.Owner == p.Seller):
		return fmt.Errorf("%w: owner must not be a party", ErrInvalidArgument)
	case (p.Mediator == zero) != (p.Policy == zero):
		return fmt.Errorf("%w: mediator and policy must be set together", ErrInvalidArgument)
	}
	for _, addr := range []common.Address{p.Buyer, p.Seller, p.Owner, p.Mediator} {
		if addr == e.escrow {
			return fmt.Errorf("%w: escrow account cannot take part in a transaction", ErrInvalidArgument)
		}
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if _, overflow := uint256.FromBig(p.Amount); overflow {
		return fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidArgument)
	}
	if p.Policy != zero {
		if _, ok := e.directory.Policy(p.Policy); !ok {
			return fmt.Errorf("%w: unknown policy %s", ErrInvalidArgument, p.Policy.Hex())
		}
	}
	if p.Mediator != zero {
		if _, ok := e.directory.Mediator(p.Mediator); !ok {
			return fmt.Errorf("%w: unknown mediator %s", ErrInvalidArgument, p.Mediator.Hex())
		}
	}
	if p.Owner != zero {
		if _, ok := e.directory.Owner(p.Owner); !ok {
			return fmt.Errorf("%w: unknown owner %s", ErrInvalidArgument, p.Owner.Hex())
		}
	}
	return nil
}

func (e *Engine) authorizedBy(principal, caller common.Address) (bool, error) {
	ok, err := e.auth.AuthorizedBy(principal, caller)
	if err != nil {
		return false, fmt.Errorf("escrow: authorization lookup: %w", err)
	}
	return ok, nil
}

func (e *Engine) authorizeCreate(caller common.Address, p CreateParams, kind createKind) error {
	switch kind {
	case createByBuyer:
		return nil
	case createForBuyer:
		if caller == p.Buyer {
			return fmt.Errorf("%w: buyer must use CreateTransaction", ErrUnauthorized)
		}
		ok, err := e.authorizedBy(p.Buyer, caller)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: caller not authorized by buyer", ErrUnauthorized)
		}
		return nil
	case createForBuyerAndSeller:
		for _, principal := range []common.Address{p.Buyer, p.Seller} {
			ok, err := e.authorizedBy(principal, caller)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: caller not authorized by %s", ErrUnauthorized, principal.Hex())
			}
		}
		return nil
	default:
		return fmt.Errorf("escrow: unknown creation kind %d", kind)
	}
}

// consult runs a creation-time veto check. Both an explicit refusal and a
// failing collaborator abort the creation.
func (e *Engine) consult(id uint64, collaborator string, fn func() (bool, error)) error {
	ok, err := invoke(fn)
	if err != nil {
		e.collaboratorFailed(id, collaborator, "authorize", err)
		return fmt.Errorf("%w: %s failed: %v", ErrCollaboratorRejected, collaborator, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s declined transaction %d", ErrCollaboratorRejected, collaborator, id)
	}
	return nil
}

func (e *Engine) create(ctx context.Context, call Call, p CreateParams, kind createKind) (*Transaction, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if call.Sender == (common.Address{}) {
		return nil, fmt.Errorf("%w: caller required", ErrUnauthorized)
	}
	if err := e.validateCreate(p); err != nil {
		return nil, err
	}
	if err := e.authorizeCreate(call.Sender, p, kind); err != nil {
		return nil, err
	}
	now := e.timestamp(call)
	ctx, err := e.enter(ctx, callMarker{engine: e, create: true})
	if err != nil {
		return nil, err
	}

	var (
		tx        *Transaction
		out       *outcome
		transfers []events.Transfer
	)
	err = commitWithRetry(ctx, func() error {
		balance, err := e.state.Balance(p.Buyer)
		if err != nil {
			return err
		}
		if balance.Cmp(p.Amount) < 0 {
			return fmt.Errorf("%w: %s holds %s", ErrInsufficientFunds, p.Buyer.Hex(), balance)
		}
		id, err := e.NextID()
		if err != nil {
			return err
		}
		if owner, ok := e.directory.Owner(p.Owner); ok && p.Owner != (common.Address{}) {
			if err := e.consult(id, collaboratorOwner, func() (bool, error) {
				return owner.AuthorizeTransaction(ctx, id, p.Buyer)
			}); err != nil {
				return err
			}
		}
		if mediator, ok := e.directory.Mediator(p.Mediator); ok && p.Mediator != (common.Address{}) {
			if err := e.consult(id, collaboratorMediator, func() (bool, error) {
				return mediator.RequestMediator(ctx, id, cloneBigInt(p.Amount), p.Owner)
			}); err != nil {
				return err
			}
		}
		tx, out = newTransaction(id, call.Sender, p, kind, now)
		transfers = nil
		return e.state.Update(func(txn *state.Txn) error {
			next, err := loadNextID(txn)
			if err != nil {
				return err
			}
			// The collaborators approved this id; another creation took it.
			if next != id {
				return errStale
			}
			if err := bank.Transfer(txn, tx.Buyer, e.escrow, tx.Amount); err != nil {
				if errors.Is(err, bank.ErrInsufficientBalance) {
					return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
				}
				return err
			}
			transfers = append(transfers, events.Transfer{From: tx.Buyer, To: e.escrow, Amount: cloneBigInt(tx.Amount), Memo: "escrow:" + StateInitiated.String()})
			if err := e.disburse(txn, out.legs, "escrow:"+out.to.String(), &transfers); err != nil {
				return err
			}
			if err := putTransaction(txn, tx); err != nil {
				return err
			}
			return txn.KVPut(nextIDKey, id+1)
		})
	})
	if err != nil {
		return nil, err
	}
	e.publish(tx, out, transfers)
	return tx.Clone(), nil
}

// newTransaction builds the record and initial outcome of a creation.
func newTransaction(id uint64, creator common.Address, p CreateParams, kind createKind, now int64) (*Transaction, *outcome) {
	tx := &Transaction{
		ID:             id,
		Creator:        creator,
		Buyer:          p.Buyer,
		Seller:         p.Seller,
		Amount:         cloneBigInt(p.Amount),
		MetadataHash:   p.MetadataHash,
		Policy:         p.Policy,
		Mediator:       p.Mediator,
		Owner:          p.Owner,
		State:          StateInitiated,
		StateEnteredAt: now,
		CreatedAt:      now,
	}
	out := &outcome{to: StateInitiated}
	if kind == createForBuyerAndSeller {
		out = &outcome{to: StateAccepted, via: []State{StateInitiated}}
		if !tx.HasMediator() {
			out = &outcome{
				to:   StateConfirmed,
				via:  []State{StateInitiated, StateAccepted},
				legs: []leg{{to: tx.Seller, amount: cloneBigInt(tx.Amount)}},
				fee:  big.NewInt(0),
			}
		}
		tx.State = out.to
	}
	return tx, out
}
