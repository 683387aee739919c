// Package session implements the JSON-RPC session layer: request id
// allocation, correlation of responses with outstanding requests, dispatch
// of inbound requests to handlers through Responders, and cancellation.
//
// A Session owns exactly one dispatch loop that reads the transport's
// inbound stream in arrival order. Outbound calls may be made concurrently
// from any goroutine.
package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"rpcsession/internal/domain"
	"rpcsession/internal/infra/tracer"
)

type state int

const (
	stateOpen state = iota
	stateRunning
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateRunning:
		return "running"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReadTimeout bounds how long SendRequest waits for a response.
// Zero means wait until the context or session ends.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) { s.readTimeout = d }
}

// WithHandler installs the inbound request and notification hooks.
func WithHandler(h Handler) Option {
	return func(s *Session) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithID overrides the generated session identifier, so that transport
// decorators created before the session can share it.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithValidator installs inbound request and notification validation.
func WithValidator(v Validator) Option {
	return func(s *Session) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithPropagator installs the trace context propagation strategy.
func WithPropagator(p domain.Propagator) Option {
	return func(s *Session) {
		if p != nil {
			s.propagator = p
		}
	}
}

// Session multiplexes requests, responses and notifications over a
// Transport.
type Session struct {
	id          string
	transport   domain.Transport
	logger      *slog.Logger
	handler     Handler
	validator   Validator
	propagator  domain.Propagator
	readTimeout time.Duration

	nextID  atomic.Int64
	pending *pendingCalls
	mailbox *mailbox
	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[domain.RequestID]*Responder

	stateMu   sync.Mutex
	state     state
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{} // closed when the dispatch loop exits
	closed    chan struct{} // closed by Close
	closeOnce sync.Once
}

// New creates a session over t. Call Start to begin dispatching.
func New(t domain.Transport, opts ...Option) *Session {
	s := &Session{
		id:         NewID(),
		transport:  t,
		logger:     slog.Default(),
		handler:    NopHandler{},
		validator:  NopValidator{},
		propagator: domain.NopPropagator{},
		pending:    newPendingCalls(),
		mailbox:    newMailbox(),
		inflight:   make(map[domain.RequestID]*Responder),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id)
	return s
}

// NewID returns a fresh ULID suitable for WithID.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Start launches the dispatch loop. The loop stops when ctx is cancelled,
// the inbound stream ends, or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case stateRunning:
		return domain.ErrSessionStarted
	case stateClosing, stateClosed:
		return domain.ErrSessionClosed
	}
	s.ctx, s.cancel = context.WithCancelCause(domain.ContextWithSessionID(ctx, s.id))
	s.state = stateRunning

	go s.mailbox.run(s.closed)
	go s.receiveLoop(s.ctx)
	s.logger.Debug("session started")
	return nil
}

// Close cancels the dispatch loop and every open Responder scope, closes the
// transport and fails outstanding SendRequest calls. It returns without
// waiting for the loop or for handler work; Done reports when the loop has
// exited.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		started := s.state == stateRunning
		s.state = stateClosing
		s.stateMu.Unlock()

		close(s.closed)
		if s.cancel != nil {
			s.cancel(domain.ErrSessionClosed)
		}
		err = s.transport.Close()
		s.pending.drain()
		s.clearInFlight()
		if !started {
			// No loop or pump will ever run to close these.
			s.mailbox.close()
			close(s.mailbox.out)
			close(s.done)
			s.markClosed()
		} else {
			select {
			case <-s.done:
				// The stream had already ended.
				s.markClosed()
			default:
			}
		}
		s.logger.Debug("session closed")
	})
	return err
}

// markClosed completes a Close once nothing is left running.
func (s *Session) markClosed() {
	s.stateMu.Lock()
	if s.state == stateClosing {
		s.state = stateClosed
	}
	s.stateMu.Unlock()
}

// Done is closed once the dispatch loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Incoming delivers, in arrival order, the requests not answered by the
// Handler, notifications, and diagnostic errors. Errors read from the
// transport are delivered exactly as the transport reported them. The
// channel is closed after the dispatch loop exits, or as soon as Close is
// called.
func (s *Session) Incoming() <-chan Incoming { return s.mailbox.out }

// InFlight returns the number of inbound requests still open.
func (s *Session) InFlight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

// Outstanding returns the number of outbound requests awaiting a response.
func (s *Session) Outstanding() int { return s.pending.len() }

func (s *Session) isClosing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state >= stateClosing
}

// nextRequestID allocates ids 0, 1, 2, ... for the lifetime of the session.
func (s *Session) nextRequestID() domain.RequestID {
	return domain.NumberID(s.nextID.Add(1) - 1)
}

// SendRequest sends req and waits for the matching response, decoding its
// result into result (which may be nil to discard it). It fails with a
// *domain.TimeoutError when no response arrives within the read timeout and
// with a *domain.PeerError when the peer answers with an error.
func (s *Session) SendRequest(ctx context.Context, req domain.OutboundRequest, result any) error {
	if s.isClosing() {
		return domain.ErrSessionClosed
	}

	id := s.nextRequestIDOr(req.ID)
	slot, err := s.pending.register(id)
	if err != nil {
		return domain.WrapOp("Session.SendRequest", err)
	}
	defer s.pending.remove(id, slot)

	ctx, span := tracer.StartSpan(ctx, req.Method, tracer.ClientKind(),
		trace.WithAttributes(
			tracer.StringAttr("rpc.system", "jsonrpc"),
			tracer.StringAttr("rpc.jsonrpc.request_id", id.String()),
		))
	defer span.End()

	params, err := s.outboundParams(ctx, req.Params)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Session.SendRequest", err)
	}

	if err := s.write(ctx, &domain.Request{ID: id, Method: req.Method, Params: params}); err != nil {
		tracer.RecordError(span, err)
		return err
	}

	timeout := s.readTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var msg domain.Message
	select {
	case msg = <-slot:
	case <-expired:
		err := &domain.TimeoutError{Method: req.Method, Timeout: timeout}
		tracer.RecordError(span, err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return domain.ErrSessionClosed
	case <-s.done:
		return domain.ErrSessionClosed
	}

	switch m := msg.(type) {
	case *domain.ErrorResponse:
		err := &domain.PeerError{Method: req.Method, Data: m.Error}
		tracer.RecordError(span, err)
		return err
	case *domain.Response:
		if err := decodeResult(m.Result, result); err != nil {
			err = fmt.Errorf("%s: %w", req.Method, err)
			tracer.RecordError(span, err)
			return err
		}
	}
	tracer.SetOK(span)
	return nil
}

func (s *Session) nextRequestIDOr(id *domain.RequestID) domain.RequestID {
	if id != nil && !id.IsZero() {
		return *id
	}
	return s.nextRequestID()
}

// outboundParams encodes params and injects propagation context into
// `_meta`, keeping any caller-supplied `_meta` fields.
func (s *Session) outboundParams(ctx context.Context, v any) (json.RawMessage, error) {
	params, err := domain.MarshalParams(v)
	if err != nil {
		return nil, err
	}
	meta, err := domain.ParamsMeta(params)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	s.propagator.Inject(ctx, meta)
	return domain.WithParamsMeta(params, meta)
}

// resultValidator is implemented by result types that check themselves
// after decoding.
type resultValidator interface {
	Validate() error
}

func decodeResult(raw json.RawMessage, result any) error {
	if result == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidResult, err)
	}
	if v, ok := result.(resultValidator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidResult, err)
		}
	}
	return nil
}

// SendNotification writes n to the peer. No reply is expected.
func (s *Session) SendNotification(ctx context.Context, n domain.OutboundNotification) error {
	if s.isClosing() {
		return domain.ErrSessionClosed
	}
	params, err := domain.MarshalParams(n.Params)
	if err != nil {
		return domain.WrapOp("Session.SendNotification", err)
	}
	return s.write(ctx, &domain.Notification{Method: n.Method, Params: params})
}

// SendProgressNotification reports progress for the request that handed
// out token. total may be nil when unknown.
func (s *Session) SendProgressNotification(ctx context.Context, token domain.ProgressToken, progress float64, total *float64) error {
	return s.SendNotification(ctx, domain.OutboundNotification{
		Method: domain.MethodProgress,
		Params: domain.ProgressParams{ProgressToken: token, Progress: progress, Total: total},
	})
}

// CancelRequest asks the peer to stop working on the outbound request id.
// The local SendRequest call keeps waiting; cancel its context to stop it.
func (s *Session) CancelRequest(ctx context.Context, id domain.RequestID, reason string) error {
	return s.SendNotification(ctx, domain.OutboundNotification{
		Method: domain.MethodCancelled,
		Params: domain.CancelledParams{RequestID: id, Reason: reason},
	})
}

// write serializes msg and sends it as one unit. Concurrent writers never
// interleave.
func (s *Session) write(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return domain.WrapOp("Session.write", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.Send(ctx, data); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &domain.TransportError{Err: err}
	}
	return nil
}

// releaseInFlight is the Responder completion callback.
func (s *Session) releaseInFlight(r *Responder) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if cur, ok := s.inflight[r.id]; ok && cur == r {
		delete(s.inflight, r.id)
	}
}

func (s *Session) lookupInFlight(id domain.RequestID) (*Responder, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	r, ok := s.inflight[id]
	return r, ok
}

func (s *Session) clearInFlight() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight = make(map[domain.RequestID]*Responder)
}
