package router

import (
	"fmt"

	"livesession/pkg/types"
)

var (
	ErrRateLimitExceeded = fmt.Errorf("%w: rate limit exceeded", types.ErrConflict)
	ErrNotHostRole       = fmt.Errorf("%w: role may not start sessions", types.ErrForbidden)
	ErrImpersonation     = fmt.Errorf("%w: cannot signal presence for another user", types.ErrForbidden)
	ErrNotParticipant    = fmt.Errorf("%w: not a participant of this session", types.ErrForbidden)
)
