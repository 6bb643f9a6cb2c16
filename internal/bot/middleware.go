package bot

import (
	"context"
	"errors"

	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/ratelimit"
	"github.com/stupiduntilnot/relaybot/internal/state"
)

// Handle processes one question addressed to a provider.
type Handle func(ctx context.Context, req *Request) error

// Middleware wraps a Handle with a cross-cutting check.
type Middleware func(Handle) Handle

// Chain applies mws around h; the first middleware runs first.
func Chain(h Handle, mws ...Middleware) Handle {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// singleFlight admits one in-flight completion per user and provider and
// always releases it, whatever the outcome.
func (h *Handler) singleFlight(next Handle) Handle {
	return func(ctx context.Context, req *Request) error {
		family, err := h.machine.Begin(req.UserID)
		if family != "" {
			req.Family = family
		}
		switch {
		case errors.Is(err, state.ErrNoProvider):
			return h.send(ctx, req.ChatID, chooseFirstText, menuOptions())
		case errors.Is(err, state.ErrBusy):
			h.reject(req, "busy")
			return h.reply(ctx, req, waitText)
		case err != nil:
			return err
		}
		defer h.machine.Finish(req.UserID, family)
		return next(ctx, req)
	}
}

// rateLimit applies the provider's sliding-window limiter.
func (h *Handler) rateLimit(next Handle) Handle {
	return func(ctx context.Context, req *Request) error {
		limiter := h.routes[req.Family].Limiter
		if limiter == nil {
			return next(ctx, req)
		}
		err := limiter.Allow(req.UserID)
		var rejection *ratelimit.Rejection
		if errors.As(err, &rejection) {
			h.reject(req, "rate_limit")
			return h.reply(ctx, req, rateLimitedText(rejection.RetryAfter))
		}
		return next(ctx, req)
	}
}

// minInterval enforces the store's minimum spacing between questions.
// Bookkeeping failures never block the user.
func (h *Handler) minInterval(next Handle) Handle {
	return func(ctx context.Context, req *Request) error {
		store := h.routes[req.Family].Store
		if !store.CheckMinInterval(req.UserID) {
			h.reject(req, "min_interval")
			return h.reply(ctx, req, waitText)
		}
		if err := store.TouchLastMessageTime(req.UserID); err != nil {
			req.log.Warn().Err(err).Msg("touch last message time failed")
		}
		return next(ctx, req)
	}
}

func (h *Handler) reject(req *Request, reason string) {
	req.log.Info().Str("reason", reason).Msg("request rejected")
	h.record(req.EventID, db.EventRequestRejected, map[string]any{
		"reason": reason,
		"family": string(req.Family),
	})
}
