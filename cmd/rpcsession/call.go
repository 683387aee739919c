package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"rpcsession/internal/adapter/transport"
	"rpcsession/internal/domain"
	"rpcsession/internal/infra/config"
	"rpcsession/internal/usecase/session"
)

// clientTarget resolves the gateway URL, token and timeout from flags over
// config.
func clientTarget(a cliArgs, cfg config.ClientConfig) (url, token string, timeout time.Duration, err error) {
	url = a.get("url", cfg.URL)
	token = a.get("token", cfg.Token)
	timeout = cfg.Timeout
	if v := a.get("timeout", ""); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid --timeout: %w", err)
		}
	}
	return url, token, timeout, nil
}

// rawParams validates the optional params argument.
func rawParams(positional []string) (json.RawMessage, error) {
	if len(positional) < 2 {
		return nil, nil
	}
	raw := json.RawMessage(positional[1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params must be valid JSON: %s", positional[1])
	}
	return raw, nil
}

// dialSession connects to the gateway and starts a client session.
func dialSession(ctx context.Context, a *app, url, token string) (*session.Session, error) {
	ws, err := transport.Dial(ctx, url, token)
	if err != nil {
		return nil, err
	}
	opts, err := sessionOptions(a.cfg)
	if err != nil {
		ws.Close()
		return nil, err
	}
	opts = append(opts, session.WithLogger(a.log))
	sess := session.New(ws, opts...)
	if err := sess.Start(ctx); err != nil {
		ws.Close()
		return nil, err
	}
	go session.DrainIncoming(ctx, sess, a.log)
	return sess, nil
}

func runCall(args []string) error {
	ca := parseArgs(args)
	if len(ca.positional) < 1 {
		return fmt.Errorf("usage: rpcsession call <method> [params-json] [--repeat N]")
	}
	method := ca.positional[0]
	params, err := rawParams(ca.positional)
	if err != nil {
		return err
	}
	repeat := 1
	if v := ca.get("repeat", ""); v != "" {
		if repeat, err = strconv.Atoi(v); err != nil || repeat < 1 {
			return fmt.Errorf("invalid --repeat %q", v)
		}
	}

	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.closer()

	url, token, timeout, err := clientTarget(ca, a.cfg.Client)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := dialSession(ctx, a, url, token)
	if err != nil {
		return err
	}
	defer sess.Close()

	var caller session.Caller = sess
	if b := a.cfg.Breaker; b.Enabled {
		caller = session.NewBreakerCaller(url, sess, session.BreakerConfig{
			MaxFailures: b.MaxFailures,
			Timeout:     b.OpenTimeout,
			HalfOpenMax: b.HalfOpenMax,
		}, a.log)
	}

	var firstErr error
	for i := 0; i < repeat; i++ {
		if err := callOnce(ctx, caller, os.Stdout, method, params, timeout); err != nil {
			fmt.Fprintf(os.Stderr, "call %d: %v\n", i+1, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// callOnce sends one request and writes the indented result to w.
func callOnce(ctx context.Context, c session.Caller, w io.Writer, method string, params json.RawMessage, timeout time.Duration) error {
	req := domain.OutboundRequest{Method: method, Timeout: timeout}
	if params != nil {
		req.Params = params
	}

	var result json.RawMessage
	if err := c.SendRequest(ctx, req, &result); err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		out.Reset()
		out.Write(result)
	}
	out.WriteByte('\n')
	_, err := w.Write(out.Bytes())
	return err
}

func runNotify(args []string) error {
	ca := parseArgs(args)
	if len(ca.positional) < 1 {
		return fmt.Errorf("usage: rpcsession notify <method> [params-json]")
	}
	params, err := rawParams(ca.positional)
	if err != nil {
		return err
	}

	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.closer()

	url, token, timeout, err := clientTarget(ca, a.cfg.Client)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, err := dialSession(ctx, a, url, token)
	if err != nil {
		return err
	}
	defer sess.Close()

	n := domain.OutboundNotification{Method: ca.positional[0]}
	if params != nil {
		n.Params = params
	}
	return sess.SendNotification(ctx, n)
}
