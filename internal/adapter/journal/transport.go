package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rpcsession/internal/domain"
)

const recordTimeout = 2 * time.Second

// Transport records every envelope that passes through the wrapped
// transport. Recording is best effort: failures are logged and never block
// or fail the traffic itself.
type Transport struct {
	inner     domain.Transport
	store     *Store
	sessionID string
	logger    *slog.Logger

	in        chan domain.Inbound
	done      chan struct{}
	closeOnce sync.Once
}

// Wrap decorates t so that its traffic is journaled under sessionID.
func (s *Store) Wrap(t domain.Transport, sessionID string, logger *slog.Logger) *Transport {
	jt := &Transport{
		inner:     t,
		store:     s,
		sessionID: sessionID,
		logger:    logger.With("component", "journal", "session", sessionID),
		in:        make(chan domain.Inbound),
		done:      make(chan struct{}),
	}
	go jt.relay()
	return jt
}

func (t *Transport) relay() {
	defer close(t.in)
	for item := range t.inner.Incoming() {
		if item.Err == nil {
			t.record(DirectionIn, item.Data)
		}
		select {
		case t.in <- item:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) record(dir Direction, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := t.store.Record(ctx, t.sessionID, dir, data); err != nil {
		t.logger.Warn("journal record failed", "direction", dir, "error", err)
	}
}

func (t *Transport) Incoming() <-chan domain.Inbound { return t.in }

// Send forwards data and journals it once the inner transport accepted it.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := t.inner.Send(ctx, data); err != nil {
		return err
	}
	t.record(DirectionOut, data)
	return nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return t.inner.Close()
}
