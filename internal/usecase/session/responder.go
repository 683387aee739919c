package session

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"rpcsession/internal/domain"
)

type responderStatus int

const (
	statusPending responderStatus = iota
	statusCompleted
	statusCancelled
)

func (s responderStatus) String() string {
	switch s {
	case statusPending:
		return "pending"
	case statusCompleted:
		return "completed"
	case statusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Responder owns the lifecycle of one inbound request: it guarantees at most
// one reply and carries the cancellation scope of the work answering it.
//
// The scope is opened by the dispatch loop before any hook sees the
// Responder. It exits once the Responder is terminal (responded or
// cancelled) and every goroutine started with Go has returned, or when the
// session shuts down.
type Responder struct {
	id      domain.RequestID
	request *domain.Request
	session *Session

	onComplete  func(*Responder)
	releaseOnce sync.Once
	exitOnce    sync.Once

	mu      sync.Mutex
	status  responderStatus
	active  bool
	handed  bool // work was started with Go
	exiting bool
	exited  bool
	ctx     context.Context
	cancel  context.CancelCauseFunc
	wg      sync.WaitGroup
	done    chan struct{}
	span    trace.Span // ended on scope exit
}

func newResponder(s *Session, req *domain.Request, onComplete func(*Responder)) *Responder {
	return &Responder{
		id:         req.ID,
		request:    req,
		session:    s,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
}

// activate opens the Responder's cancellation scope under parent.
func (r *Responder) activate(parent context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("%w: responder already activated", domain.ErrResponderState)
	}
	r.ctx, r.cancel = context.WithCancelCause(parent)
	r.active = true
	context.AfterFunc(r.ctx, r.finish)
	return nil
}

// ID returns the id of the request being answered.
func (r *Responder) ID() domain.RequestID { return r.id }

// Request returns the validated inbound request.
func (r *Responder) Request() *domain.Request { return r.request }

// Method is shorthand for Request().Method.
func (r *Responder) Method() string { return r.request.Method }

// Context returns the scope context. It is cancelled when the peer cancels
// the request, when the session shuts down, or after the scope exits.
// Before activation it returns context.Background.
func (r *Responder) Context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Done is closed once the scope has exited.
func (r *Responder) Done() <-chan struct{} { return r.done }

// InFlight reports whether the request is neither answered nor cancelled.
func (r *Responder) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == statusPending
}

// Completed reports whether a reply was sent.
func (r *Responder) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == statusCompleted
}

// Cancelled reports whether the request was cancelled.
func (r *Responder) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == statusCancelled
}

// Respond sends result as the Response to this request.
func (r *Responder) Respond(ctx context.Context, result any) error {
	raw, err := domain.MarshalParams(result)
	if err != nil {
		return domain.WrapOp("Responder.Respond", err)
	}
	return r.reply(ctx, &domain.Response{ID: r.id, Result: raw})
}

// RespondError sends ed as the Error reply to this request.
func (r *Responder) RespondError(ctx context.Context, ed domain.ErrorData) error {
	return r.reply(ctx, &domain.ErrorResponse{ID: r.id, Error: ed})
}

// reply enforces the at-most-one-reply rule. A reply to a cancelled request
// is dropped without error; the peer already received the cancellation.
func (r *Responder) reply(ctx context.Context, msg domain.Message) error {
	r.mu.Lock()
	switch {
	case !r.active:
		r.mu.Unlock()
		return domain.ErrNotActivated
	case r.status == statusCompleted:
		r.mu.Unlock()
		return fmt.Errorf("%w (id %s)", domain.ErrAlreadyResponded, r.id)
	case r.status == statusCancelled:
		r.mu.Unlock()
		return nil
	case r.exited:
		r.mu.Unlock()
		return domain.ErrScopeExited
	}
	r.status = statusCompleted
	r.mu.Unlock()

	err := r.session.write(ctx, msg)
	r.finish()
	return err
}

// Cancel cancels the scope and tells the peer the request was cancelled.
// Calling it again, or after a reply was sent, does nothing.
func (r *Responder) Cancel(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case !r.active:
		r.mu.Unlock()
		return domain.ErrNotActivated
	case r.status != statusPending:
		r.mu.Unlock()
		return nil
	case r.exited:
		r.mu.Unlock()
		return domain.ErrScopeExited
	}
	r.status = statusCancelled
	r.mu.Unlock()

	r.cancel(domain.ErrRequestCancelled)
	r.release()
	err := r.session.write(ctx, &domain.ErrorResponse{
		ID:    r.id,
		Error: domain.ErrorData{Code: domain.CodeRequestCancelled, Message: "Request cancelled"},
	})
	r.finish()
	return err
}

// Go runs fn inside the scope. fn receives the scope context and must return
// once it is cancelled. Go fails after the Responder has become terminal.
func (r *Responder) Go(fn func(ctx context.Context)) error {
	r.mu.Lock()
	switch {
	case !r.active:
		r.mu.Unlock()
		return domain.ErrNotActivated
	case r.exiting || r.exited:
		r.mu.Unlock()
		return domain.ErrScopeExited
	case r.status != statusPending:
		r.mu.Unlock()
		return fmt.Errorf("%w: request is %s", domain.ErrResponderState, r.status)
	}
	r.handed = true
	r.wg.Add(1)
	ctx := r.ctx
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
	return nil
}

// ReportProgress sends a progress notification if the requester asked for
// one via `_meta.progressToken`. It is a no-op otherwise.
func (r *Responder) ReportProgress(ctx context.Context, progress float64, total *float64) error {
	token, ok := domain.ProgressTokenOf(r.request)
	if !ok {
		return nil
	}
	return r.session.SendProgressNotification(ctx, token, progress, total)
}

// forwardable reports whether the application still has to answer r.
func (r *Responder) forwardable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == statusPending && !r.handed && !r.exiting
}

// release runs the completion callback at most once.
func (r *Responder) release() {
	r.releaseOnce.Do(func() {
		if r.onComplete != nil {
			r.onComplete(r)
		}
	})
}

// finish starts the scope exit. The exit waits for Go work to return.
func (r *Responder) finish() {
	r.exitOnce.Do(func() {
		r.mu.Lock()
		r.exiting = true
		r.mu.Unlock()
		go r.exit()
	})
}

func (r *Responder) exit() {
	r.wg.Wait()

	r.mu.Lock()
	r.exited = true
	completed := r.status == statusCompleted
	r.mu.Unlock()

	r.cancel(context.Canceled)
	if completed {
		r.release()
	}
	if r.span != nil {
		r.span.End()
	}
	close(r.done)
}
