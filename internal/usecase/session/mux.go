package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"rpcsession/internal/domain"
)

// RequestHandlerFunc answers one request. A returned error is mapped to an
// Error reply; see ErrorDataFor.
type RequestHandlerFunc func(ctx context.Context, req *domain.Request) (any, error)

// NotificationHandlerFunc consumes one notification on the dispatch loop.
type NotificationHandlerFunc func(ctx context.Context, n *domain.Notification)

// Mux is a Handler that routes requests and notifications by method.
// Registered request handlers run in the Responder's scope, off the
// dispatch loop, so cancelling a request cancels its handler's context.
type Mux struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandlerFunc
	notifications map[string]NotificationHandlerFunc
	passUnknown   bool
	logger        *slog.Logger
}

// NewMux creates a Mux that answers ping and rejects unknown methods.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mux{
		requests:      make(map[string]RequestHandlerFunc),
		notifications: make(map[string]NotificationHandlerFunc),
		logger:        logger,
	}
	m.HandleRequest(domain.MethodPing, func(context.Context, *domain.Request) (any, error) {
		return struct{}{}, nil
	})
	return m
}

// PassUnknown makes requests for unregistered methods reach the application
// channel instead of being answered with MethodNotFound.
func (m *Mux) PassUnknown(pass bool) {
	m.mu.Lock()
	m.passUnknown = pass
	m.mu.Unlock()
}

// HandleRequest registers fn for method. Safe to call while sessions run.
func (m *Mux) HandleRequest(method string, fn RequestHandlerFunc) {
	m.mu.Lock()
	m.requests[method] = fn
	m.mu.Unlock()
}

// HandleNotification registers fn for notifications named method.
func (m *Mux) HandleNotification(method string, fn NotificationHandlerFunc) {
	m.mu.Lock()
	m.notifications[method] = fn
	m.mu.Unlock()
}

// Methods returns the number of registered request methods.
func (m *Mux) Methods() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

func (m *Mux) OnRequest(ctx context.Context, r *Responder) {
	m.mu.RLock()
	fn, ok := m.requests[r.Method()]
	pass := m.passUnknown
	m.mu.RUnlock()

	if !ok {
		if pass {
			return
		}
		err := r.RespondError(ctx, domain.ErrorData{
			Code:    domain.CodeMethodNotFound,
			Message: "method not found: " + r.Method(),
		})
		if err != nil {
			m.logger.Warn("reply method not found", "method", r.Method(), "error", err)
		}
		return
	}

	err := r.Go(func(ctx context.Context) {
		result, err := fn(ctx, r.Request())
		if r.Cancelled() {
			return
		}
		if err != nil {
			err = r.RespondError(ctx, ErrorDataFor(err))
		} else {
			err = r.Respond(ctx, result)
		}
		if err != nil {
			m.logger.Warn("reply to request", "method", r.Method(), "id", r.ID().String(), "error", err)
		}
	})
	if err != nil {
		m.logger.Warn("start request handler", "method", r.Method(), "error", err)
	}
}

func (m *Mux) OnNotification(ctx context.Context, n *domain.Notification) {
	m.mu.RLock()
	fn, ok := m.notifications[n.Method]
	m.mu.RUnlock()
	if ok {
		fn(ctx, n)
	}
}

// ErrorDataFor maps a handler error onto the wire error the peer receives.
func ErrorDataFor(err error) domain.ErrorData {
	var ed domain.ErrorData
	if errors.As(err, &ed) {
		return ed
	}
	var pe *domain.PeerError
	if errors.As(err, &pe) {
		return pe.Data
	}
	var te *domain.TimeoutError
	if errors.As(err, &te) {
		return te.ErrorData()
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return domain.ErrorData{Code: domain.CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return domain.ErrorData{Code: domain.CodeRequestCancelled, Message: err.Error()}
	default:
		return domain.ErrorData{Code: domain.CodeInternalError, Message: err.Error()}
	}
}

var _ Handler = (*Mux)(nil)
