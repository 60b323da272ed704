package routes

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

func (s *server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	call, err := s.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req authorizationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	principal, err := parseOptionalAddress("principal", req.Principal)
	if err != nil {
		writeError(w, err)
		return
	}
	if principal == (common.Address{}) {
		principal = call.Sender
	}
	agent, err := parseAddress("agent", req.Agent)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Authorize(call.Sender, principal, agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationView{
		Principal:  principal.Hex(),
		Agent:      agent.Hex(),
		Authorized: true,
	})
}

func (s *server) handleDeauthorize(w http.ResponseWriter, r *http.Request) {
	call, err := s.caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := parseAddress("agent", chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	principal, err := parseOptionalAddress("principal", r.URL.Query().Get("principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	if principal == (common.Address{}) {
		principal = call.Sender
	}
	if err := s.registry.Deauthorize(call.Sender, principal, agent); err != nil {
		writeError(w, err)
		return
	}
	current, err := s.registry.Agent(principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationView{
		Principal:  principal.Hex(),
		Agent:      optionalHex(current),
		Authorized: current == agent,
	})
}

func (s *server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	principal, err := parseAddress("principal", chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.registry.Agent(principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationView{
		Principal:  principal.Hex(),
		Agent:      optionalHex(agent),
		Authorized: agent != (common.Address{}),
	})
}

func (s *server) handleAuthorizedBy(w http.ResponseWriter, r *http.Request) {
	principal, err := parseAddress("principal", chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := parseAddress("caller", chi.URLParam(r, "caller"))
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.registry.AuthorizedBy(principal, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationView{
		Principal:  principal.Hex(),
		Caller:     caller.Hex(),
		Authorized: ok,
	})
}

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.ledger.BalanceOf(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Address: addr.Hex(), Balance: balance.String()})
}
