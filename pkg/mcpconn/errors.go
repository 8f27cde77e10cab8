package mcpconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a connection-layer failure.
type Kind string

const (
	KindProcessSpawn        Kind = "process_spawn"
	KindHandshake           Kind = "handshake"
	KindTransportWrite      Kind = "transport_write"
	KindMalformedResponse   Kind = "malformed_response"
	KindUnmatchedResponseID Kind = "unmatched_response_id"
	KindRemoteTool          Kind = "remote_tool"
	KindNoSuitableTool      Kind = "no_suitable_tool"
	KindConnectionClosed    Kind = "connection_closed"
	KindTimeout             Kind = "timeout"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrProcessSpawn        = &Error{Kind: KindProcessSpawn}
	ErrHandshake           = &Error{Kind: KindHandshake}
	ErrTransportWrite      = &Error{Kind: KindTransportWrite}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrUnmatchedResponseID = &Error{Kind: KindUnmatchedResponseID}
	ErrRemoteTool          = &Error{Kind: KindRemoteTool}
	ErrNoSuitableTool      = &Error{Kind: KindNoSuitableTool}
	ErrConnectionClosed    = &Error{Kind: KindConnectionClosed}
	ErrTimeout             = &Error{Kind: KindTimeout}
)

// Error is the error type returned by this package.
type Error struct {
	Kind    Kind
	Backend string
	Method  string
	Message string
	// Remote holds the JSON-RPC error object exactly as the backend sent it.
	// Only set for KindRemoteTool.
	Remote json.RawMessage
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("mcpconn: ")
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	if e.Method != "" {
		b.WriteString(e.Method)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// RemoteError is the decoded form of a JSON-RPC error object.
type RemoteError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RemoteError decodes Remote. It returns nil when the error did not come from
// the backend or the payload is not an object.
func (e *Error) RemoteError() *RemoteError {
	if len(e.Remote) == 0 {
		return nil
	}
	var re RemoteError
	if err := json.Unmarshal(e.Remote, &re); err != nil {
		return nil
	}
	return &re
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTimeout reports whether err is a KindTimeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsConnectionClosed reports whether err is a KindConnectionClosed error.
func IsConnectionClosed(err error) bool { return errors.Is(err, ErrConnectionClosed) }

// IsRemoteTool reports whether err carries a JSON-RPC error from the backend.
func IsRemoteTool(err error) bool { return errors.Is(err, ErrRemoteTool) }

func newError(kind Kind, backend, format string, args ...any) *Error {
	return &Error{Kind: kind, Backend: backend, Message: fmt.Sprintf(format, args...)}
}
