package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the protocol version stamped on every outbound envelope.
const JSONRPCVersion = "2.0"

// MetaKey is the reserved params field carrying cross-cutting context.
const MetaKey = "_meta"

// MessageKind classifies an envelope.
type MessageKind int

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindError
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is one wire-level envelope. The set of implementations is closed:
// *Request, *Response, *ErrorResponse and *Notification.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// Request expects exactly one Response or ErrorResponse carrying the same ID.
type Request struct {
	ID     RequestID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a successful reply to a Request.
type Response struct {
	ID     RequestID       `json:"id"`
	Result json.RawMessage `json:"result"`
}

// ErrorResponse is a failed reply to a Request.
type ErrorResponse struct {
	ID    RequestID `json:"id"`
	Error ErrorData `json:"error"`
}

// Notification is a one-way message; it never receives a reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) Kind() MessageKind       { return KindRequest }
func (*Response) Kind() MessageKind      { return KindResponse }
func (*ErrorResponse) Kind() MessageKind { return KindError }
func (*Notification) Kind() MessageKind  { return KindNotification }

func (*Request) isMessage()       {}
func (*Response) isMessage()      {}
func (*ErrorResponse) isMessage() {}
func (*Notification) isMessage()  {}

func (r Request) MarshalJSON() ([]byte, error) {
	type wire Request
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		wire
	}{JSONRPCVersion, wire(r)})
}

func (r Response) MarshalJSON() ([]byte, error) {
	type wire Response
	if r.Result == nil {
		r.Result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		wire
	}{JSONRPCVersion, wire(r)})
}

func (r ErrorResponse) MarshalJSON() ([]byte, error) {
	type wire ErrorResponse
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		wire
	}{JSONRPCVersion, wire(r)})
}

func (n Notification) MarshalJSON() ([]byte, error) {
	type wire Notification
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		wire
	}{JSONRPCVersion, wire(n)})
}

// MarshalParams encodes v as request or notification params.
// A nil v yields nil so the params field is omitted on the wire.
func MarshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return data, nil
}

// rawEnvelope is the permissive decode target used for classification.
type rawEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// leading returns the first non-space byte of a non-null raw value.
func leading(raw json.RawMessage) byte {
	return bytes.TrimSpace(raw)[0]
}

// ParseMessage classifies one raw envelope:
//
//	method + id     -> *Request
//	method, no id   -> *Notification
//	id + result     -> *Response
//	id + error      -> *ErrorResponse
//
// Anything else fails with a *MalformedError that carries whatever id could
// be recovered.
func ParseMessage(data []byte) (Message, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedError{Reason: "invalid JSON", Err: err}
	}

	var (
		id    RequestID
		idErr error
	)
	hasID := !isNull(env.ID)
	if hasID {
		idErr = json.Unmarshal(env.ID, &id)
	}

	malformed := func(reason string, err error) *MalformedError {
		m := &MalformedError{Reason: reason, Err: err, HasID: hasID, HasMethod: env.Method != nil}
		if env.Method != nil {
			m.Method = *env.Method
		}
		if hasID && idErr == nil {
			m.ID = id
		}
		return m
	}

	if env.JSONRPC != "" && env.JSONRPC != JSONRPCVersion {
		return nil, malformed(fmt.Sprintf("unsupported jsonrpc version %q", env.JSONRPC), nil)
	}
	if idErr != nil {
		return nil, malformed("invalid id", idErr)
	}

	if env.Method != nil {
		if *env.Method == "" {
			return nil, malformed("empty method", nil)
		}
		params := env.Params
		if isNull(params) {
			params = nil
		} else if c := leading(params); c != '{' && c != '[' {
			return nil, malformed("params must be an object or array", nil)
		}
		if hasID {
			return &Request{ID: id, Method: *env.Method, Params: params}, nil
		}
		return &Notification{Method: *env.Method, Params: params}, nil
	}

	hasResult := env.Result != nil
	hasError := env.Error != nil && !isNull(env.Error)
	switch {
	case hasResult && hasError:
		m := malformed("response carries both result and error", nil)
		m.IsResponse = true
		return nil, m
	case hasError:
		var ed ErrorData
		if err := json.Unmarshal(env.Error, &ed); err != nil {
			m := malformed("invalid error object", err)
			m.IsResponse = hasID
			return nil, m
		}
		return &ErrorResponse{ID: id, Error: ed}, nil
	case hasResult && hasID:
		return &Response{ID: id, Result: env.Result}, nil
	}
	m := malformed("envelope matches no message kind", nil)
	m.IsResponse = hasID
	return nil, m
}

// ParamsMeta returns the `_meta` map of object params. It returns nil for
// absent params, array params or params without `_meta`.
func ParamsMeta(params json.RawMessage) (map[string]any, error) {
	if isNull(params) || leading(params) != '{' {
		return nil, nil
	}
	var probe struct {
		Meta map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil, fmt.Errorf("decode %s: %w", MetaKey, err)
	}
	return probe.Meta, nil
}

// WithParamsMeta returns params with `_meta` set to meta. All other fields are
// kept as-is. Array params cannot carry `_meta` and are returned unchanged.
func WithParamsMeta(params json.RawMessage, meta map[string]any) (json.RawMessage, error) {
	if len(meta) == 0 {
		return params, nil
	}
	fields := map[string]json.RawMessage{}
	if !isNull(params) {
		if leading(params) != '{' {
			return params, nil
		}
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", MetaKey, err)
	}
	fields[MetaKey] = encoded
	return json.Marshal(fields)
}
