package authority

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/events"
	"inkprotocol/core/state"
	nativecommon "inkprotocol/native/common"
)

const moduleName = "authority"

var agentPrefix = []byte("authority/agent/")

func agentKey(principal common.Address) []byte {
	buf := make([]byte, len(agentPrefix)+common.AddressLength)
	copy(buf, agentPrefix)
	copy(buf[len(agentPrefix):], principal[:])
	return buf
}

// Registry tracks at most one delegated agent per principal. A principal
// always implicitly authorizes itself.
type Registry struct {
	state   *state.Manager
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

// NewRegistry binds the registry to the state manager.
func NewRegistry(manager *state.Manager) *Registry {
	return &Registry{state: manager, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used by the registry.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses wires the pause view consulted before mutations.
func (r *Registry) SetPauses(p nativecommon.PauseView) { r.pauses = p }

func (r *Registry) withState() (*state.Manager, error) {
	if r == nil || r.state == nil {
		return nil, fmt.Errorf("authority: state not configured")
	}
	return r.state, nil
}

func validate(caller, principal, agent common.Address) error {
	if caller != principal {
		return ErrUnauthorized
	}
	if agent == (common.Address{}) || agent == principal {
		return ErrInvalidAgent
	}
	return nil
}

// Authorize replaces the delegate of principal with agent.
func (r *Registry) Authorize(caller, principal, agent common.Address) error {
	st, err := r.withState()
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	if err := validate(caller, principal, agent); err != nil {
		return err
	}
	if err := st.Update(func(txn *state.Txn) error {
		return txn.KVPut(agentKey(principal), agent.Bytes())
	}); err != nil {
		return err
	}
	r.emitter.Emit(AuthorizationChanged{Principal: principal, Agent: agent, Authorized: true})
	return nil
}

// Deauthorize clears the delegate of principal when it matches agent. Clearing
// an agent that is not the current delegate is a no-op.
func (r *Registry) Deauthorize(caller, principal, agent common.Address) error {
	st, err := r.withState()
	if err != nil {
		return err
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	if err := validate(caller, principal, agent); err != nil {
		return err
	}
	var cleared bool
	if err := st.Update(func(txn *state.Txn) error {
		current, err := loadAgent(txn, principal)
		if err != nil {
			return err
		}
		if current != agent {
			return nil
		}
		cleared = true
		return txn.KVDelete(agentKey(principal))
	}); err != nil {
		return err
	}
	if cleared {
		r.emitter.Emit(AuthorizationChanged{Principal: principal, Agent: agent, Authorized: false})
	}
	return nil
}

// Agent returns the current delegate of principal, or the zero address.
func (r *Registry) Agent(principal common.Address) (common.Address, error) {
	st, err := r.withState()
	if err != nil {
		return common.Address{}, err
	}
	var agent common.Address
	err = st.View(func(txn *state.Txn) error {
		var err error
		agent, err = loadAgent(txn, principal)
		return err
	})
	return agent, err
}

// AuthorizedBy reports whether caller may act on behalf of principal.
func (r *Registry) AuthorizedBy(principal, caller common.Address) (bool, error) {
	if caller == principal {
		return true, nil
	}
	if caller == (common.Address{}) {
		return false, nil
	}
	agent, err := r.Agent(principal)
	if err != nil {
		return false, err
	}
	return agent == caller, nil
}

func loadAgent(txn *state.Txn, principal common.Address) (common.Address, error) {
	var raw []byte
	ok, err := txn.KVGet(agentKey(principal), &raw)
	if err != nil || !ok {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}
