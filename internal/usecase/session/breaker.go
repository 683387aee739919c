package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"rpcsession/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
	// HalfOpenMax is the number of probe calls let through while half-open.
	HalfOpenMax uint32
}

// BreakerCaller wraps a Caller with circuit breaker protection. Only
// timeouts and transport failures count against the peer; an Error reply
// proves the peer is alive.
type BreakerCaller struct {
	inner   Caller
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

// NewBreakerCaller wraps inner. Zero config fields take defaults.
func NewBreakerCaller(name string, inner Caller, cfg BreakerConfig, logger *slog.Logger) *BreakerCaller {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	probes := cfg.HalfOpenMax
	if probes == 0 {
		probes = 1
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "rpc:" + name,
		MaxRequests: probes,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, domain.ErrTimeout) || errors.Is(err, domain.ErrTransport))
		},
	})

	return &BreakerCaller{inner: inner, breaker: cb, logger: logger}
}

// SendRequest implements Caller. Calls fail fast while the circuit is open.
func (b *BreakerCaller) SendRequest(ctx context.Context, req domain.OutboundRequest, result any) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.SendRequest(ctx, req, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", req.Method, domain.ErrCircuitOpen, err)
	}
	return err
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerCaller) State() gobreaker.State { return b.breaker.State() }

var _ Caller = (*BreakerCaller)(nil)
