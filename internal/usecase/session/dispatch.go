package session

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"rpcsession/internal/domain"
	"rpcsession/internal/infra/tracer"
)

// receiveLoop drains the inbound stream one unit at a time, in arrival
// order, until the stream ends or ctx is cancelled.
func (s *Session) receiveLoop(ctx context.Context) {
	defer func() {
		s.cancel(context.Canceled)
		s.mailbox.close()
		if s.isClosing() {
			// Close may have returned while a handler hook was still running.
			s.pending.drain()
			s.clearInFlight()
			s.markClosed()
		}
		close(s.done)
		s.logger.Debug("dispatch loop stopped")
	}()

	incoming := s.transport.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-incoming:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.dispatch(ctx, in)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, in domain.Inbound) {
	if in.Err != nil {
		s.forward(Incoming{Err: in.Err})
		return
	}

	msg, err := domain.ParseMessage(in.Data)
	if err != nil {
		s.handleMalformed(ctx, err)
		return
	}

	switch m := msg.(type) {
	case *domain.Request:
		s.handleRequest(ctx, m)
	case *domain.Notification:
		s.handleNotification(ctx, m)
	case *domain.Response:
		s.handleResponse(m.ID, m)
	case *domain.ErrorResponse:
		s.handleResponse(m.ID, m)
	}
}

func (s *Session) forward(item Incoming) {
	s.mailbox.put(item)
}

func (s *Session) handleRequest(ctx context.Context, req *domain.Request) {
	log := s.logger.With("method", req.Method, "id", req.ID.String())

	if err := s.validator.ValidateRequest(req); err != nil {
		log.Warn("rejecting invalid request", "error", err)
		s.replyError(ctx, req.ID, domain.CodeInvalidParams, err.Error())
		return
	}

	if _, dup := s.lookupInFlight(req.ID); dup {
		log.Warn("rejecting request with an id that is still in flight")
		s.replyError(ctx, req.ID, domain.CodeInvalidRequest, "duplicate request id "+req.ID.String())
		return
	}

	meta, err := domain.ParamsMeta(req.Params)
	if err != nil {
		log.Debug("ignoring unreadable _meta", "error", err)
	}
	rctx := s.propagator.Extract(ctx, meta)
	rctx, span := tracer.StartSpan(rctx, req.Method, tracer.ServerKind(),
		trace.WithAttributes(
			tracer.StringAttr("rpc.system", "jsonrpc"),
			tracer.StringAttr("rpc.jsonrpc.request_id", req.ID.String()),
		))

	r := newResponder(s, req, s.releaseInFlight)
	r.span = span
	if err := r.activate(rctx); err != nil {
		log.Error("activate responder", "error", err)
		span.End()
		return
	}

	s.inflightMu.Lock()
	s.inflight[req.ID] = r
	s.inflightMu.Unlock()

	s.handler.OnRequest(r.Context(), r)

	if r.forwardable() {
		s.forward(Incoming{Request: r})
	}
}

func (s *Session) handleNotification(ctx context.Context, n *domain.Notification) {
	if err := s.validator.ValidateNotification(n); err != nil {
		s.logger.Warn("dropping invalid notification", "method", n.Method, "error", err)
		return
	}

	if n.Method == domain.MethodCancelled {
		params, err := domain.DecodeCancelledParams(n)
		if err != nil {
			s.logger.Warn("dropping invalid cancellation", "error", err)
			return
		}
		r, ok := s.lookupInFlight(params.RequestID)
		if !ok {
			s.logger.Debug("cancellation for request not in flight", "id", params.RequestID.String())
			return
		}
		if err := r.Cancel(ctx); err != nil {
			s.logger.Warn("cancel request", "id", params.RequestID.String(), "error", err)
		}
		return
	}

	s.handler.OnNotification(ctx, n)
	s.forward(Incoming{Notification: n})
}

func (s *Session) handleResponse(id domain.RequestID, msg domain.Message) {
	if s.pending.resolve(id, msg) {
		return
	}
	s.logger.Warn("response for unknown request id", "id", id.String(), "kind", msg.Kind().String())
	s.forward(Incoming{Err: &domain.UnknownResponseError{ID: id, Message: msg}})
}

// handleMalformed answers what can still be answered: a request with a
// readable id gets an InvalidRequest error, a waiter for a readable
// response id is failed. Malformed notifications are dropped; everything
// else, including a request whose id cannot be read, surfaces on Incoming.
func (s *Session) handleMalformed(ctx context.Context, err error) {
	var me *domain.MalformedError
	if !errors.As(err, &me) {
		s.forward(Incoming{Err: err})
		return
	}

	switch {
	case me.HasMethod && !me.ID.IsZero():
		s.logger.Warn("malformed request", "id", me.ID.String(), "error", err)
		s.replyError(ctx, me.ID, domain.CodeInvalidRequest, me.Error())
		return
	case me.HasMethod && !me.HasID:
		s.logger.Warn("dropping malformed notification", "method", me.Method, "error", err)
		return
	case me.IsResponse && !me.ID.IsZero():
		failed := &domain.ErrorResponse{
			ID:    me.ID,
			Error: domain.ErrorData{Code: domain.CodeInvalidRequest, Message: me.Error()},
		}
		if s.pending.resolve(me.ID, failed) {
			s.logger.Warn("malformed response", "id", me.ID.String(), "error", err)
			return
		}
	}
	s.logger.Warn("malformed inbound message", "error", err)
	s.forward(Incoming{Err: err})
}

// replyError answers a request that never got a Responder.
func (s *Session) replyError(ctx context.Context, id domain.RequestID, code int, message string) {
	err := s.write(ctx, &domain.ErrorResponse{ID: id, Error: domain.ErrorData{Code: code, Message: message}})
	if err != nil {
		s.logger.Warn("send error reply", "id", id.String(), "error", err)
	}
}
