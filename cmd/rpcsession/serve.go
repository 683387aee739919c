package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rpcsession/internal/adapter/gateway"
	"rpcsession/internal/adapter/transport"
	"rpcsession/internal/domain"
	"rpcsession/internal/usecase/keepalive"
	"rpcsession/internal/usecase/session"
)

// keepaliveMaxFailures is the ping failure streak after which the stdio
// session is considered dead.
const keepaliveMaxFailures = 3

func runServe() error {
	a, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer a.closer()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := sessionOptions(a.cfg)
	if err != nil {
		return err
	}
	gwOpts := []gateway.Option{gateway.WithSessionOptions(opts...)}

	if a.cfg.Journal.Enabled {
		store, err := openJournal(a.cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		gwOpts = append(gwOpts, gateway.WithJournal(store))
	}

	srv := gateway.NewServer(a.cfg.Gateway, newMux(a.cfg, a.log), a.log, gwOpts...)

	a.log.Info("rpcsession starting",
		"addr", a.cfg.Gateway.Addr,
		"auth", a.cfg.Gateway.Auth.Type,
		"journal", a.cfg.Journal.Enabled,
		"schemas", len(a.cfg.Schemas),
	)
	return srv.Start(ctx)
}

func runStdio() error {
	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.closer()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := sessionOptions(a.cfg)
	if err != nil {
		return err
	}

	id := session.NewID()
	var t domain.Transport = transport.NewStdio()
	if a.cfg.Journal.Enabled {
		store, err := openJournal(a.cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		t = store.Wrap(t, id, a.log)
	}

	opts = append(opts,
		session.WithID(id),
		session.WithLogger(a.log),
		session.WithHandler(newMux(a.cfg, a.log)),
	)
	sess := session.New(t, opts...)
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()

	if ka := a.cfg.Keepalive; ka.Enabled {
		pinger, err := keepalive.New(sess, ka.Schedule, ka.Timeout,
			keepalive.WithLogger(a.log),
			keepalive.WithOnFailure(func(n int, err error) {
				if n >= keepaliveMaxFailures {
					a.log.Error("peer unresponsive, closing session", "failures", n, "error", err)
					go sess.Close()
				}
			}),
		)
		if err != nil {
			return err
		}
		pinger.Start(ctx)
		defer pinger.Stop()
	}

	a.log.Info("rpcsession stdio session started", "session", sess.ID(), "pid", os.Getpid())
	session.DrainIncoming(ctx, sess, a.log)
	return nil
}
