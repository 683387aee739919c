package session

import (
	"context"
	"log/slog"

	"rpcsession/internal/domain"
)

// Handler is the override point for inbound traffic. Both hooks run on the
// dispatch loop, so long-running work belongs in Responder.Go.
type Handler interface {
	// OnRequest may answer r synchronously or hand it to Responder.Go.
	// Requests left untouched are forwarded on Incoming.
	OnRequest(ctx context.Context, r *Responder)
	// OnNotification runs before the notification is forwarded on Incoming.
	OnNotification(ctx context.Context, n *domain.Notification)
}

// NopHandler forwards everything to the application channel.
type NopHandler struct{}

func (NopHandler) OnRequest(context.Context, *Responder)                {}
func (NopHandler) OnNotification(context.Context, *domain.Notification) {}

// Validator checks inbound requests and notifications before dispatch.
type Validator interface {
	ValidateRequest(req *domain.Request) error
	ValidateNotification(n *domain.Notification) error
}

// NopValidator accepts everything.
type NopValidator struct{}

func (NopValidator) ValidateRequest(*domain.Request) error           { return nil }
func (NopValidator) ValidateNotification(*domain.Notification) error { return nil }

// Incoming is one item on the application channel. Exactly one field is set.
type Incoming struct {
	Request      *Responder
	Notification *domain.Notification
	Err          error
}

// Kind names the populated field, for logging.
func (in Incoming) Kind() string {
	switch {
	case in.Request != nil:
		return "request"
	case in.Notification != nil:
		return "notification"
	case in.Err != nil:
		return "error"
	default:
		return "empty"
	}
}

// DrainIncoming consumes s.Incoming until it closes. Forwarded requests are
// answered with MethodNotFound; notifications and errors are only logged.
// It suits peers that register everything they serve on a Mux.
func DrainIncoming(ctx context.Context, s *Session, logger *slog.Logger) {
	for in := range s.Incoming() {
		switch {
		case in.Request != nil:
			r := in.Request
			err := r.RespondError(ctx, domain.ErrorData{
				Code:    domain.CodeMethodNotFound,
				Message: "method not found: " + r.Method(),
			})
			if err != nil {
				logger.Warn("reply to unhandled request", "method", r.Method(), "error", err)
			}
		case in.Notification != nil:
			logger.Debug("unhandled notification", "method", in.Notification.Method)
		case in.Err != nil:
			logger.Warn("session error", "error", in.Err)
		}
	}
}
