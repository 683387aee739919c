package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
)

// Sentinel errors for the session layer.
var (
	ErrMalformedEnvelope = fmt.Errorf("malformed envelope")
	ErrUnknownResponse   = fmt.Errorf("response for unknown request id")
	ErrSessionClosed     = fmt.Errorf("session closed")
	ErrSessionStarted    = fmt.Errorf("session already started")
	ErrResponderState    = fmt.Errorf("responder used outside its lifecycle")
	ErrAlreadyResponded  = fmt.Errorf("%w: request already responded to", ErrResponderState)
	ErrNotActivated      = fmt.Errorf("%w: responder not activated", ErrResponderState)
	ErrScopeExited       = fmt.Errorf("%w: responder scope exited", ErrResponderState)
	ErrRequestCancelled  = fmt.Errorf("request cancelled")
	ErrTransport         = fmt.Errorf("transport error")
	ErrInvalidResult     = fmt.Errorf("invalid result payload")
	ErrPeer              = fmt.Errorf("peer returned an error")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrCircuitOpen       = fmt.Errorf("circuit open")
)

// JSON-RPC error codes. RequestCancelled and RequestTimeout are reserved by
// this layer; the rest are defined by JSON-RPC 2.0.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeRequestCancelled = -32800
	CodeRequestTimeout   = 408
)

// ErrorData is the structured error carried by an ErrorResponse.
type ErrorData struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e ErrorData) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewErrorData builds ErrorData; data may be nil.
func NewErrorData(code int, message string, data any) ErrorData {
	ed := ErrorData{Code: code, Message: message}
	if data != nil {
		if raw, err := MarshalParams(data); err == nil {
			ed.Data = raw
		}
	}
	return ed
}

// PeerError is returned to a caller whose request was answered with an
// ErrorResponse.
type PeerError struct {
	Method string
	Data   ErrorData
}

func (e *PeerError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Data.Error())
	}
	return e.Data.Error()
}

func (e *PeerError) Unwrap() error { return ErrPeer }

// Code returns the peer's error code.
func (e *PeerError) Code() int { return e.Data.Code }

// TimeoutError reports that no response arrived within the read timeout.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for response to %s after %s", e.Method, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ErrorData converts the timeout into the wire error it corresponds to.
func (e *TimeoutError) ErrorData() ErrorData {
	return ErrorData{Code: CodeRequestTimeout, Message: e.Error()}
}

// MalformedError describes an inbound unit that could not be classified or
// decoded. ID is set when it could be recovered; HasID reports whether the
// unit carried a non-null id at all, readable or not.
type MalformedError struct {
	ID         RequestID
	HasID      bool
	Method     string
	HasMethod  bool
	IsResponse bool
	Reason     string
	Err        error
}

func (e *MalformedError) Error() string {
	msg := "malformed envelope: " + e.Reason
	if !e.ID.IsZero() {
		msg += " (id " + e.ID.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedEnvelope, e.Err}
	}
	return []error{ErrMalformedEnvelope}
}

// UnknownResponseError is surfaced on the application channel when a
// response or error names an id with no outstanding request.
type UnknownResponseError struct {
	ID      RequestID
	Message Message
}

func (e *UnknownResponseError) Error() string {
	return fmt.Sprintf("received %s with unknown request id %s", e.Message.Kind(), e.ID)
}

func (e *UnknownResponseError) Unwrap() error { return ErrUnknownResponse }

// TransportError wraps an error value produced by the transport in place of
// an envelope.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.SendRequest")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for logs and monitoring.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeDuplicate       ErrorCode = "DUPLICATE"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeDisabled        ErrorCode = "DISABLED"
	CodeMalformed       ErrorCode = "MALFORMED_ENVELOPE"
	CodeUnknownResponse ErrorCode = "UNKNOWN_RESPONSE"
	CodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	CodeSessionStarted  ErrorCode = "SESSION_STARTED"
	CodeResponderState  ErrorCode = "RESPONDER_STATE"
	CodeTransport       ErrorCode = "TRANSPORT"
	CodeInvalidResult   ErrorCode = "INVALID_RESULT"
	CodePeer            ErrorCode = "PEER_ERROR"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Ordered lookups in ErrorCodeOf go through errorCodeOrder so that the more
// specific sentinels win over the categories they wrap.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrDisabled:          CodeDisabled,
	ErrMalformedEnvelope: CodeMalformed,
	ErrUnknownResponse:   CodeUnknownResponse,
	ErrSessionClosed:     CodeSessionClosed,
	ErrSessionStarted:    CodeSessionStarted,
	ErrResponderState:    CodeResponderState,
	ErrTransport:         CodeTransport,
	ErrInvalidResult:     CodeInvalidResult,
	ErrPeer:              CodePeer,
	ErrConfigLoad:        CodeConfigLoad,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrCircuitOpen:       CodeCircuitOpen,
}

var errorCodeOrder = []error{
	ErrMalformedEnvelope,
	ErrUnknownResponse,
	ErrSessionClosed,
	ErrSessionStarted,
	ErrResponderState,
	ErrTransport,
	ErrInvalidResult,
	ErrPeer,
	ErrConfigLoad,
	ErrAuthInvalid,
	ErrCircuitOpen,
	ErrTimeout,
	ErrNotFound,
	ErrDuplicate,
	ErrInvalidInput,
	ErrDisabled,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range errorCodeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
