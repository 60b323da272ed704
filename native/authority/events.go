package authority

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"inkprotocol/core/types"
)

const (
	// EventTypeAuthorizationChanged is emitted whenever a principal sets or
	// clears its delegated agent.
	EventTypeAuthorizationChanged = "authority.authorization.changed"
)

// AuthorizationChanged reports the delegate of a principal after a change.
type AuthorizationChanged struct {
	Principal  common.Address
	Agent      common.Address
	Authorized bool
}

func (AuthorizationChanged) EventType() string { return EventTypeAuthorizationChanged }

func (e AuthorizationChanged) Event() *types.Event {
	return &types.Event{
		Type: EventTypeAuthorizationChanged,
		Attributes: map[string]string{
			"principal":  e.Principal.Hex(),
			"agent":      e.Agent.Hex(),
			"authorized": strconv.FormatBool(e.Authorized),
		},
	}
}
