// Package gateway serves JSON-RPC sessions over WebSocket, one session per
// connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"rpcsession/internal/adapter/journal"
	"rpcsession/internal/adapter/transport"
	"rpcsession/internal/domain"
	"rpcsession/internal/infra/config"
	"rpcsession/internal/infra/middleware"
	"rpcsession/internal/usecase/session"
)

// AppFunc consumes the application channel of one connection's session. It
// must return once sess.Incoming is closed.
type AppFunc func(ctx context.Context, client *ClientInfo, sess *session.Session)

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator overrides the authenticator derived from config.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithJournal records every connection's traffic in store.
func WithJournal(store *journal.Store) Option {
	return func(s *Server) { s.journal = store }
}

// WithSessionOptions appends options applied to every session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) { s.sessOpts = append(s.sessOpts, opts...) }
}

// WithApp replaces the default application consumer.
func WithApp(fn AppFunc) Option {
	return func(s *Server) { s.app = fn }
}

// peer is one live connection.
type peer struct {
	sess      *session.Session
	info      *ClientInfo
	connected time.Time
}

// Server is the WebSocket gateway. Every accepted connection gets its own
// Session sharing the server's Handler.
type Server struct {
	cfg      config.GatewayConfig
	handler  session.Handler
	auth     Authenticator
	journal  *journal.Store
	sessOpts []session.Option
	app      AppFunc
	logger   *slog.Logger

	peers      sync.Map // session id -> *peer
	count      atomic.Int64
	accepted   atomic.Int64
	started    time.Time
	httpRoutes []httpRoute

	ctx       context.Context
	cancel    context.CancelFunc
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
	stopOnce  sync.Once
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(cfg config.GatewayConfig, handler session.Handler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		auth:    NewAuthenticator(cfg.Auth),
		logger:  logger.With("component", "gateway"),
		ready:   make(chan struct{}),
	}
	s.app = func(ctx context.Context, _ *ClientInfo, sess *session.Session) {
		session.DrainIncoming(ctx, sess, s.logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting WebSocket connections. Blocks until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	var upgrade http.Handler = http.HandlerFunc(s.handleUpgrade)
	if rl := s.cfg.RateLimit; rl.Enabled {
		upgrade = middleware.RateLimitWithConfig(s.ctx, middleware.RateLimitConfig{
			Rate:  rl.Rate,
			Burst: rl.Burst,
			OnReject: func(ip string) {
				s.logger.Warn("gateway: connection rate limited", "ip", ip)
			},
		})(upgrade)
	}

	path := s.cfg.Path
	if path == "" {
		path = "/rpc"
	}
	mux := http.NewServeMux()
	mux.Handle(path, upgrade)
	mux.Handle("/healthz", middleware.SecurityHeaders(http.HandlerFunc(s.handleHealth)))
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.started = time.Now()
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	close(s.ready)

	s.logger.Info("gateway started", "addr", s.boundAddr, "path", path)

	go func() {
		<-s.ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every session and gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.peers.Range(func(_, value any) bool {
			value.(*peer).sess.Close()
			return true
		})
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
		s.logger.Info("gateway stopped")
	})
	return err
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the actual address the server bound to. Only valid after
// Ready is closed.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Sessions returns the number of live connections.
func (s *Server) Sessions() int { return int(s.count.Load()) }

// Session looks up a live session by id, for server-initiated requests.
func (s *Server) Session(id string) (*session.Session, bool) {
	v, ok := s.peers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*peer).sess, true
}

// Notify sends a notification to every connected peer and returns how many
// sends succeeded.
func (s *Server) Notify(ctx context.Context, method string, params any) int {
	delivered := 0
	s.peers.Range(func(key, value any) bool {
		p := value.(*peer)
		err := p.sess.SendNotification(ctx, domain.OutboundNotification{Method: method, Params: params})
		if err != nil {
			s.logger.Warn("gateway: notify failed", "session", key, "method", method, "error", err)
			return true
		}
		delivered++
		return true
	})
	return delivered
}

func (s *Server) originPatterns() []string {
	if len(s.cfg.OriginPatterns) > 0 {
		return s.cfg.OriginPatterns
	}
	return []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	id := session.NewID()
	logger := s.logger.With("client", info.Name)

	var t domain.Transport = transport.NewWebSocket(ws)
	if s.journal != nil {
		t = s.journal.Wrap(t, id, logger)
	}

	opts := append([]session.Option{
		session.WithID(id),
		session.WithLogger(logger),
		session.WithHandler(s.handler),
	}, s.sessOpts...)
	sess := session.New(t, opts...)
	if err := sess.Start(s.ctx); err != nil {
		logger.Warn("session start failed", "error", err)
		sess.Close()
		return
	}

	s.peers.Store(id, &peer{sess: sess, info: info, connected: time.Now()})
	s.count.Add(1)
	s.accepted.Add(1)
	logger.Info("gateway client connected", "session", id)

	s.app(s.ctx, info, sess)

	sess.Close()
	s.peers.Delete(id)
	s.count.Add(-1)
	logger.Info("gateway client disconnected", "session", id)
}

type healthStatus struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	Accepted      int64  `json:"accepted_total"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthStatus{
		Status:        "ok",
		Sessions:      s.Sessions(),
		Accepted:      s.accepted.Load(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}
