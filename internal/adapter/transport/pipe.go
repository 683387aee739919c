package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"rpcsession/internal/domain"
)

// ErrClosed is returned by Send after the transport was closed.
var ErrClosed = fmt.Errorf("transport: %w", net.ErrClosed)

const pipeBuffer = 64

// pipeConn is the state shared by both ends of a Pipe.
type pipeConn struct {
	mu   sync.RWMutex
	once sync.Once
	done chan struct{}
	a, b chan domain.Inbound
}

// Pipe is one end of an in-memory transport pair. Closing either end closes
// both, like net.Pipe.
type Pipe struct {
	conn *pipeConn
	in   chan domain.Inbound
	out  chan domain.Inbound
}

// NewPipe returns two connected transports. Whatever one end sends the other
// receives, in order.
func NewPipe() (*Pipe, *Pipe) {
	c := &pipeConn{
		done: make(chan struct{}),
		a:    make(chan domain.Inbound, pipeBuffer),
		b:    make(chan domain.Inbound, pipeBuffer),
	}
	return &Pipe{conn: c, in: c.a, out: c.b}, &Pipe{conn: c, in: c.b, out: c.a}
}

func (p *Pipe) Incoming() <-chan domain.Inbound { return p.in }

func (p *Pipe) Send(ctx context.Context, data []byte) error {
	buf := append([]byte(nil), data...)
	return p.deliver(ctx, domain.Inbound{Data: buf})
}

// SendError makes the peer observe err on its inbound stream.
func (p *Pipe) SendError(ctx context.Context, err error) error {
	if err == nil {
		return errors.New("transport: nil error")
	}
	return p.deliver(ctx, domain.Inbound{Err: err})
}

func (p *Pipe) deliver(ctx context.Context, item domain.Inbound) error {
	p.conn.mu.RLock()
	defer p.conn.mu.RUnlock()
	select {
	case <-p.conn.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- item:
		return nil
	case <-p.conn.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends both directions. Items already buffered stay readable.
func (p *Pipe) Close() error {
	p.conn.once.Do(func() {
		close(p.conn.done)
		// Senders hold the read lock; wait for them before closing channels.
		p.conn.mu.Lock()
		close(p.conn.a)
		close(p.conn.b)
		p.conn.mu.Unlock()
	})
	return nil
}

var _ domain.Transport = (*Pipe)(nil)
