// Package keepalive pings a peer on a schedule to detect dead sessions.
package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"rpcsession/internal/domain"
	"rpcsession/internal/usecase/session"
)

// FailureFunc is invoked after every failed ping with the number of
// consecutive failures so far.
type FailureFunc func(consecutive int, err error)

// Option configures a Pinger.
type Option func(*Pinger)

// WithOnFailure installs a callback for failed pings.
func WithOnFailure(fn FailureFunc) Option {
	return func(p *Pinger) { p.onFailure = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pinger) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pinger sends "ping" requests through a Caller on a cron schedule.
type Pinger struct {
	caller  session.Caller
	spec    string
	timeout time.Duration
	logger  *slog.Logger

	onFailure FailureFunc

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	sent        atomic.Int64
	failed      atomic.Int64
	consecutive atomic.Int64
}

// New creates a pinger. schedule is a cron expression ("@every 30s",
// "*/5 * * * *") or a plain duration ("30s").
func New(caller session.Caller, schedule string, timeout time.Duration, opts ...Option) (*Pinger, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("keepalive: invalid schedule %q: %w", schedule, err)
	}
	p := &Pinger{
		caller:  caller,
		spec:    schedule,
		timeout: timeout,
		logger:  slog.Default(),
		cron:    cron.New(cron.WithLogger(cron.DiscardLogger)), // stdout may carry the protocol
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cron.Schedule(sched, cron.FuncJob(p.tick))
	return p, nil
}

func (p *Pinger) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	if ctx == nil {
		p.logger.Debug("keepalive stopped, skipping ping")
		return
	}

	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		n := int(p.consecutive.Load())
		p.logger.Warn("keepalive ping failed",
			"consecutive", n,
			"error", err,
			"duration", time.Since(start))
		if p.onFailure != nil {
			p.onFailure(n, err)
		}
		return
	}
	p.logger.Debug("keepalive ping ok", "duration", time.Since(start))
}

// Ping sends one ping and waits for the reply, bounded by the configured
// timeout.
func (p *Pinger) Ping(ctx context.Context) error {
	p.sent.Add(1)
	err := p.caller.SendRequest(ctx, domain.OutboundRequest{
		Method:  domain.MethodPing,
		Timeout: p.timeout,
	}, nil)
	if err != nil {
		p.failed.Add(1)
		p.consecutive.Add(1)
		return err
	}
	p.consecutive.Store(0)
	return nil
}

// Start begins pinging on the schedule until ctx is cancelled or Stop is
// called.
func (p *Pinger) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron.Start()
	p.started = true
	p.logger.Info("keepalive started", "schedule", p.spec, "timeout", p.timeout)
}

// Stop halts the schedule and waits for an in-flight ping to finish.
func (p *Pinger) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.started = false
	p.mu.Unlock()

	<-p.cron.Stop().Done()
}

// Stats reports pings sent, failed, and the current failure streak.
func (p *Pinger) Stats() (sent, failed, consecutive int64) {
	return p.sent.Load(), p.failed.Load(), p.consecutive.Load()
}

// ParseSchedule tries a cron expression first and falls back to
// time.ParseDuration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
