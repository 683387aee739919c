// Package integration runs whole-stack tests: a gateway, real WebSocket
// clients and the optional components wired the way the binary wires them.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"rpcsession/internal/adapter/gateway"
	"rpcsession/internal/adapter/transport"
	"rpcsession/internal/infra/config"
	"rpcsession/internal/infra/logger"
	"rpcsession/internal/usecase/session"
)

// Config holds integration test configuration from environment.
type Config struct {
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment.
func LoadConfig() *Config {
	cfg := &Config{
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
	if v := os.Getenv("RPCSESSION_TEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TestTimeout = d
		}
	}
	return cfg
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// StartGateway runs a gateway on a loopback port until the test ends.
func StartGateway(t *testing.T, cfg config.GatewayConfig, h session.Handler, opts ...gateway.Option) *gateway.Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := gateway.NewServer(cfg, h, logger.Nop(), opts...)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("gateway start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("gateway never became ready")
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop(context.Background())
	})
	return srv
}

// Connect dials srv and starts a client session. The caller consumes or
// drains its Incoming channel.
func Connect(t *testing.T, srv *gateway.Server, path, token string, opts ...session.Option) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := transport.Dial(ctx, "ws://"+srv.BoundAddr()+path, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	opts = append([]session.Option{session.WithLogger(logger.Nop())}, opts...)
	sess := session.New(ws, opts...)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("client start: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}
