package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

// RoleRequest bounds the initial "start" request. It is the only signaling
// step that is retried.
type RoleRequest struct {
	Attempts int
	Timeout  time.Duration
}

// RequestRole asks the relay for a role, retrying unanswered requests.
// Exhaustion is a *domain.ChannelError.
func RequestRole(ctx context.Context, ch core.SignalChannel, rr RoleRequest) (domain.Role, error) {
	attempts := rr.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		reqCtx := ctx
		cancel := context.CancelFunc(func() {})
		if rr.Timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, rr.Timeout)
		}
		args, err := ch.Request(reqCtx, protocol.EventStart)
		cancel()
		if err == nil {
			var wire string
			if err := protocol.Arg(args, 0, &wire); err != nil {
				return domain.RoleUnassigned, &domain.ChannelError{Op: "start", Err: err}
			}
			role, err := domain.ParseRole(wire)
			if err != nil {
				return domain.RoleUnassigned, &domain.ChannelError{Op: "start", Err: err}
			}
			return role, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, domain.ErrChannelClosed) {
			break
		}
		log.Warn().Err(err).Str("module", "agent.negotiation").Int("attempt", i).Msg("role request unanswered")
	}
	return domain.RoleUnassigned, &domain.ChannelError{Op: "start", Err: fmt.Errorf("role request: %w", lastErr)}
}
