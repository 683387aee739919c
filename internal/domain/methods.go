package domain

import (
	"encoding/json"
	"fmt"
)

// Methods with meaning to the session layer itself.
const (
	MethodCancelled = "notifications/cancelled"
	MethodProgress  = "notifications/progress"
	MethodPing      = "ping"
)

// ProgressToken correlates progress notifications with a request. Like a
// RequestID it is either an integer or a string.
type ProgressToken = RequestID

// ProgressTokenKey is the `_meta` field a requester uses to ask for progress.
const ProgressTokenKey = "progressToken"

// CancelledParams are the params of a cancellation notification.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ProgressParams are the params of a progress notification.
type ProgressParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         *float64      `json:"total,omitempty"`
}

// DecodeCancelledParams extracts the id named by a cancellation notification.
func DecodeCancelledParams(n *Notification) (CancelledParams, error) {
	var p CancelledParams
	if len(n.Params) == 0 {
		return p, fmt.Errorf("%w: %s without params", ErrInvalidInput, n.Method)
	}
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return p, fmt.Errorf("%w: %s params: %v", ErrInvalidInput, n.Method, err)
	}
	if p.RequestID.IsZero() {
		return p, fmt.Errorf("%w: %s params missing requestId", ErrInvalidInput, n.Method)
	}
	return p, nil
}

// ProgressTokenOf returns the progress token a request asked for, if any.
func ProgressTokenOf(r *Request) (ProgressToken, bool) {
	meta, err := ParamsMeta(r.Params)
	if err != nil || meta == nil {
		return ProgressToken{}, false
	}
	v, ok := meta[ProgressTokenKey]
	if !ok {
		return ProgressToken{}, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ProgressToken{}, false
	}
	var tok ProgressToken
	if err := json.Unmarshal(raw, &tok); err != nil || tok.IsZero() {
		return ProgressToken{}, false
	}
	return tok, true
}
