package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"rpcsession/internal/domain"
)

// echoServer accepts connections carrying token and echoes every envelope.
func echoServer(t *testing.T, token string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn)
		defer ws.Close()
		for in := range ws.Incoming() {
			if in.Err != nil {
				return
			}
			if err := ws.Send(r.Context(), in.Data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	url := echoServer(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := Dial(ctx, url, "secret")
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"hello"}`)))

	select {
	case in, ok := <-ws.Incoming():
		require.True(t, ok)
		require.NoError(t, in.Err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"hello"}`, string(in.Data))
	case <-ctx.Done():
		t.Fatal("no echo received")
	}
}

func TestWebSocketDialUnauthorized(t *testing.T) {
	url := echoServer(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestWebSocketCloseEndsIncoming(t *testing.T) {
	url := echoServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := Dial(ctx, url, "")
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	select {
	case _, ok := <-ws.Incoming():
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("incoming not closed")
	}
	assert.ErrorIs(t, ws.Send(ctx, []byte(`{}`)), ErrClosed)
}

func TestDialBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "://bad", "")
	assert.Error(t, err)
}
