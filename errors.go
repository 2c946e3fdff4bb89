package havenchat

import (
	"errors"
	"strings"
)

// Error kinds. Every error surfaced by this package matches one of these
// with errors.Is.
var (
	// ErrAuthTokenMissing is returned by Bind when the token source has no credential.
	ErrAuthTokenMissing = errors.New("auth token missing")
	// ErrConnectionTimeout is returned when the duplex handshake does not complete in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrTransport covers any error or unexpected close on the duplex channel.
	ErrTransport = errors.New("transport error")
	// ErrSendFailed marks a message whose fallback request was rejected or whose
	// duplex transmit failed.
	ErrSendFailed = errors.New("send failed")
	// ErrDuplicateSuppressed is an internal dedup outcome. It is never shown to users.
	ErrDuplicateSuppressed = errors.New("duplicate suppressed")
	// ErrCircuitOpen is reported once automatic reconnection has given up.
	ErrCircuitOpen = errors.New("reconnect circuit open")
	// ErrBindCancelled is returned when Unbind interrupts an in-flight handshake.
	ErrBindCancelled = errors.New("bind cancelled")

	ErrMessageNotFound      = errors.New("message not found")
	ErrNotRetryable         = errors.New("message is not in failed state")
	ErrNotReady             = errors.New("conversation history not loaded")
	ErrConversationMismatch = errors.New("message belongs to another conversation")
)

// ChatError carries the operation that failed, its kind (one of the sentinel
// errors above) and the underlying cause.
type ChatError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ChatError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ChatError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, cause error) error {
	return &ChatError{Op: op, Kind: kind, Err: cause}
}

// APIError is the error body returned by the chat REST endpoints.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
