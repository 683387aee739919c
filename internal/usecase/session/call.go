package session

import (
	"context"

	"rpcsession/internal/domain"
)

// Caller sends requests and waits for their results. *Session and
// *BreakerCaller implement it.
type Caller interface {
	SendRequest(ctx context.Context, req domain.OutboundRequest, result any) error
}

// Call sends method with params through c and decodes the result as T.
func Call[T any](ctx context.Context, c Caller, method string, params any) (T, error) {
	var out T
	err := c.SendRequest(ctx, domain.OutboundRequest{Method: method, Params: params}, &out)
	return out, err
}

var _ Caller = (*Session)(nil)
