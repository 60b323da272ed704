package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"inkprotocol/gateway/middleware"
	"inkprotocol/native/escrow"
)

type createKind uint8

const (
	createByBuyer createKind = iota
	createForBuyer
	createForBuyerAndSeller
)

type transitionFunc func(ctx context.Context, call escrow.Call, id uint64) (*escrow.Transaction, error)

func (s *server) transitions() map[string]transitionFunc {
	return map[string]transitionFunc{
		"accept":               s.engine.Accept,
		"revoke":               s.engine.Revoke,
		"dispute":              s.engine.Dispute,
		"escalate":             s.engine.Escalate,
		"confirm":              s.engine.Confirm,
		"confirm-after-expiry": s.engine.ConfirmAfterExpiry,
		"refund":               s.engine.Refund,
		"refund-after-expiry":  s.engine.RefundAfterExpiry,
		"settle":               s.engine.Settle,
	}
}

func (s *server) mediatorTransitions() map[string]transitionFunc {
	return map[string]transitionFunc{
		"confirm": func(ctx context.Context, call escrow.Call, id uint64) (*escrow.Transaction, error) {
			if m, ok := s.mediators[call.Sender]; ok {
				return m.Confirm(ctx, id)
			}
			return s.engine.ConfirmByMediator(ctx, call, id)
		},
		"refund": func(ctx context.Context, call escrow.Call, id uint64) (*escrow.Transaction, error) {
			if m, ok := s.mediators[call.Sender]; ok {
				return m.Refund(ctx, id)
			}
			return s.engine.RefundByMediator(ctx, call, id)
		},
	}
}

func (s *server) caller(r *http.Request) (escrow.Call, error) {
	addr, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return escrow.Call{}, fmt.Errorf("%w: caller identity missing", escrow.ErrUnauthorized)
	}
	return escrow.Call{Sender: addr}, nil
}

func (s *server) handleCreate(kind createKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeError(w, err)
			return
		}
		call, err := s.caller(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var req createRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, fmt.Errorf("%w: invalid JSON payload: %v", errInvalidRequest, err))
			return
		}
		s.idempotent(w, r, body, func() (int, interface{}, error) {
			params, err := req.params()
			if err != nil {
				return 0, nil, err
			}
			ctx, cancel := timeoutContext(r, s.timeout)
			defer cancel()
			var tx *escrow.Transaction
			switch kind {
			case createForBuyer:
				tx, err = s.engine.CreateTransactionForBuyer(ctx, call, params)
			case createForBuyerAndSeller:
				tx, err = s.engine.CreateTransactionForBuyerAndSeller(ctx, call, params)
			default:
				if req.Buyer != "" {
					return 0, nil, fmt.Errorf("%w: buyer is the caller; use /v1/transactions/for-buyer", errInvalidRequest)
				}
				tx, err = s.engine.CreateTransaction(ctx, call, params)
			}
			if err != nil {
				return 0, nil, err
			}
			return http.StatusCreated, newTransactionView(tx), nil
		})
	}
}

func (s *server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.engine.Transaction(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

func (s *server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	balance, err := s.engine.EscrowBalance()
	if err != nil {
		writeError(w, err)
		return
	}
	next, err := s.engine.NextID()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowStatusView{
		Address: s.engine.EscrowAddress().Hex(),
		Balance: balance.String(),
		NextID:  next,
	})
}

func (s *server) runTransition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	call, err := s.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := timeoutContext(r, s.timeout)
	defer cancel()
	tx, err := fn(ctx, call, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

func (s *server) handleTransition(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	fn, ok := s.transitions()[action]
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown action %q", errInvalidRequest, action))
		return
	}
	s.runTransition(w, r, fn)
}

func (s *server) handleMediatorAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	fn, ok := s.mediatorTransitions()[action]
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown mediator action %q", errInvalidRequest, action))
		return
	}
	s.runTransition(w, r, fn)
}

func (s *server) handleSettleByMediator(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	buyerAmount, sellerAmount, err := req.amounts()
	if err != nil {
		writeError(w, err)
		return
	}
	s.runTransition(w, r, func(ctx context.Context, call escrow.Call, id uint64) (*escrow.Transaction, error) {
		if m, ok := s.mediators[call.Sender]; ok {
			return m.Settle(ctx, id, buyerAmount, sellerAmount)
		}
		return s.engine.SettleByMediator(ctx, call, id, buyerAmount, sellerAmount)
	})
}
