package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"rpcsession/internal/domain"
)

// MaxMessageSize bounds a single inbound envelope.
const MaxMessageSize = 4 << 20

const writeTimeout = 10 * time.Second

// WebSocket carries one envelope per WebSocket text message.
type WebSocket struct {
	conn      *websocket.Conn
	in        chan domain.Inbound
	ctx       context.Context
	cancel    context.CancelFunc
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewWebSocket wraps an established connection and starts reading from it.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(MaxMessageSize)
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		conn:   conn,
		in:     make(chan domain.Inbound),
		ctx:    ctx,
		cancel: cancel,
	}
	go w.readLoop()
	return w
}

// Dial connects to a gateway. A non-empty token is sent the way the gateway
// expects it, as the "token" query parameter.
func Dial(ctx context.Context, rawURL, token string) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", rawURL, domain.ErrAuthInvalid)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return NewWebSocket(conn), nil
}

func (w *WebSocket) readLoop() {
	defer close(w.in)
	for {
		_, data, err := w.conn.Read(w.ctx)
		if err != nil {
			if w.closing.Load() || websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			select {
			case w.in <- domain.Inbound{Err: err}:
			case <-w.ctx.Done():
			}
			return
		}
		select {
		case w.in <- domain.Inbound{Data: data}:
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *WebSocket) Incoming() <-chan domain.Inbound { return w.in }

func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	if w.closing.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if w.closing.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Close sends a normal closure and stops the read loop. The closing
// handshake is best effort, as the peer may already be gone.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		_ = w.conn.Close(websocket.StatusNormalClosure, "")
		w.cancel()
	})
	return nil
}

var _ domain.Transport = (*WebSocket)(nil)
