package domain

import "context"

// Inbound is one unit produced by a Transport: either the bytes of a single
// envelope or an error the transport wants surfaced to the application.
type Inbound struct {
	Data []byte
	Err  error
}

// Transport carries envelopes in both directions. Incoming is closed when the
// peer goes away or the transport is closed. Send transfers exactly one
// envelope per call; callers serialize concurrent sends.
type Transport interface {
	Incoming() <-chan Inbound
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Propagator carries cross-cutting context (trace, baggage) inside the
// `_meta` map of request params.
type Propagator interface {
	// Inject writes the context carried by ctx into meta.
	Inject(ctx context.Context, meta map[string]any)
	// Extract returns ctx enriched with the context found in meta.
	Extract(ctx context.Context, meta map[string]any) context.Context
}

// NopPropagator leaves metadata and contexts untouched.
type NopPropagator struct{}

func (NopPropagator) Inject(context.Context, map[string]any) {}

func (NopPropagator) Extract(ctx context.Context, _ map[string]any) context.Context { return ctx }
