package authority

import (
	"errors"
	"fmt"

	nativecommon "inkprotocol/native/common"
)

var (
	ErrUnauthorized = errors.New("authority: caller is not the principal")
	// ErrInvalidAgent covers zero agents and principals delegating to themselves.
	ErrInvalidAgent = fmt.Errorf("authority: invalid agent: %w", nativecommon.ErrInvalidArgument)
)
