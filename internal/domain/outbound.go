package domain

import "time"

// OutboundRequest describes a request the local side sends to its peer.
type OutboundRequest struct {
	// ID overrides the session-generated id. The caller must keep it unique
	// among its outstanding requests.
	ID     *RequestID
	Method string
	Params any
	// Timeout overrides the session read timeout for this call when > 0.
	Timeout time.Duration
}

// OutboundNotification describes a one-way message to the peer.
type OutboundNotification struct {
	Method string
	Params any
}
