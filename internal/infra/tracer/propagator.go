package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/propagation"
)

// MetaPropagator injects and extracts W3C trace context and baggage through
// the `_meta` map of request params.
type MetaPropagator struct {
	inner propagation.TextMapPropagator
}

// NewPropagator returns a propagator for traceparent, tracestate and baggage.
func NewPropagator() *MetaPropagator {
	return &MetaPropagator{
		inner: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// TextMapPropagator exposes the underlying otel propagator.
func (p *MetaPropagator) TextMapPropagator() propagation.TextMapPropagator { return p.inner }

// Inject writes the span context and baggage of ctx into meta.
func (p *MetaPropagator) Inject(ctx context.Context, meta map[string]any) {
	if meta == nil {
		return
	}
	p.inner.Inject(ctx, metaCarrier(meta))
}

// Extract returns ctx with the remote span context and baggage found in meta.
func (p *MetaPropagator) Extract(ctx context.Context, meta map[string]any) context.Context {
	if len(meta) == 0 {
		return ctx
	}
	return p.inner.Extract(ctx, metaCarrier(meta))
}

// metaCarrier adapts a free-form metadata map to propagation.TextMapCarrier.
// Non-string values are left alone on Set and stringified on Get.
type metaCarrier map[string]any

func (c metaCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (c metaCarrier) Set(key, value string) { c[key] = value }

func (c metaCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
