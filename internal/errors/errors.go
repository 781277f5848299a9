package errors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the runtime taxonomy. Every error that crosses a
// package boundary wraps exactly one of these.
var (
	// ErrInvalidInput - malformed user input or skill arguments; never retried
	ErrInvalidInput = errors.New("invalid input")

	// ErrExecution - a skill ran but produced a failure (non-zero exit, error string)
	ErrExecution = errors.New("execution failed")

	// ErrTransient - network-class failure; retryable
	ErrTransient = errors.New("transient error")

	// ErrDatabase - durable store failure, including pool acquisition; retryable within a short budget
	ErrDatabase = errors.New("database error")

	// ErrPermissionDenied - blocked by allowlist or gateway auth; never retried
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted - a cap gate rejected the action (rate, RAM)
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrTimeout - an I/O deadline elapsed; retryable once, never for skill timeouts
	ErrTimeout = errors.New("timeout")

	// ErrCircuitOpen - the breaker rejected the call without invoking it
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRetryExhausted - all retry attempts failed; wraps the last error
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrApprovalRequired - the action is held pending external approval
	ErrApprovalRequired = errors.New("approval required")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrInternal - programmer error or unclassified failure
	ErrInternal = errors.New("internal error")
)

// Error is the structured record carried alongside a sentinel when the
// failure must reach a user. UserMessage is what respond renders; Message
// stays internal.
type Error struct {
	Kind        error
	Message     string
	Recoverable bool
	UserMessage string
	Metadata    map[string]string
	Timestamp   time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// New builds a structured error of the given kind.
func New(kind error, message, userMessage string) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		Recoverable: isRecoverableKind(kind),
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
	}
}

// WithMetadata attaches a key/value pair, allocating lazily.
func (e *Error) WithMetadata(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func isRecoverableKind(kind error) bool {
	switch {
	case errors.Is(kind, ErrTransient), errors.Is(kind, ErrDatabase),
		errors.Is(kind, ErrTimeout), errors.Is(kind, ErrResourceExhausted):
		return true
	default:
		return false
	}
}
