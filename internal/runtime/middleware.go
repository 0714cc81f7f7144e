package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/vinodismyname/frictionlab/internal/telemetry"
	"github.com/vinodismyname/frictionlab/pkg/mcperr"
)

// Middleware bounds concurrent tool calls and gives each call a deadline.
type Middleware struct {
	ctrl *Controller
}

// NewMiddleware constructs a Middleware bound to the provided Controller.
func NewMiddleware(ctrl *Controller) *Middleware {
	return &Middleware{ctrl: ctrl}
}

// ToolMiddleware wraps a tool handler with the request semaphore and the
// operation timeout. Saturation and deadline expiry become tool-level errors.
func (m *Middleware) ToolMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limits := m.ctrl.limits
		log := zerolog.Ctx(ctx).With().Str("tool", req.Params.Name).Logger()

		acquireCtx := ctx
		if limits.AcquireRequestTimeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, limits.AcquireRequestTimeout)
			defer cancel()
		}
		if err := m.ctrl.AcquireRequest(acquireCtx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			telemetry.ToolRejectionsTotal.WithLabelValues("busy").Inc()
			log.Warn().Int("max_concurrent_requests", limits.MaxConcurrentRequests).Msg("tool call rejected")
			return mcperr.New(mcperr.BusyResource, fmt.Sprintf("concurrent request limit reached (max=%d). Please retry shortly.", limits.MaxConcurrentRequests)), nil
		}
		defer m.ctrl.ReleaseRequest()

		callCtx := ctx
		cancel := func() {}
		if limits.OperationTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, limits.OperationTimeout)
		}
		defer cancel()

		res, err := next(callCtx, req)

		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if timedOut && (errors.Is(err, context.DeadlineExceeded) || (err == nil && res == nil)) {
			telemetry.ToolRejectionsTotal.WithLabelValues("timeout").Inc()
			log.Warn().Dur("operation_timeout", limits.OperationTimeout).Msg("tool call timed out")
			return mcperr.New(mcperr.Timeout, ""), nil
		}
		return res, err
	}
}
