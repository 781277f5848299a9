package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MapError maps foreign errors (driver, SDK, subprocess) into the taxonomy.
// Context cancellation passes through untouched so callers can distinguish
// shutdown from failure.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("deadline exceeded: %w", ErrTimeout)
	}

	// Already classified.
	for _, sentinel := range []error{
		ErrInvalidInput, ErrExecution, ErrTransient, ErrDatabase,
		ErrPermissionDenied, ErrResourceExhausted, ErrTimeout,
		ErrCircuitOpen, ErrRetryExhausted, ErrApprovalRequired,
		ErrNotFound, ErrInternal,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("%s: %w", err, ErrNotFound)

	case strings.Contains(errStr, "permission denied"), strings.Contains(errStr, "unauthorized"), strings.Contains(errStr, "forbidden"):
		return fmt.Errorf("%s: %w", err, ErrPermissionDenied)

	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "quota"), strings.Contains(errStr, "too many requests"):
		return fmt.Errorf("%s: %w", err, ErrResourceExhausted)

	case strings.Contains(errStr, "database"), strings.Contains(errStr, "sqlite"), strings.Contains(errStr, "sql:"):
		return fmt.Errorf("%s: %w", err, ErrDatabase)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return fmt.Errorf("%s: %w", err, ErrTimeout)

	case strings.Contains(errStr, "network"), strings.Contains(errStr, "connection"), strings.Contains(errStr, "unreachable"), strings.Contains(errStr, "eof"):
		return fmt.Errorf("%s: %w", err, ErrTransient)

	case strings.Contains(errStr, "invalid"), strings.Contains(errStr, "malformed"), strings.Contains(errStr, "bad request"):
		return fmt.Errorf("%s: %w", err, ErrInvalidInput)

	default:
		return fmt.Errorf("%s: %w", err, ErrInternal)
	}
}

// Category returns the learnings category name for an error per the
// taxonomy, used when persisting terminal failures.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "user_feedback"
	case errors.Is(err, ErrExecution), errors.Is(err, ErrTimeout):
		return "execution_error"
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrApprovalRequired):
		return "security"
	case errors.Is(err, ErrTransient), errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrRetryExhausted):
		return "api_failure"
	default:
		return "system_learning"
	}
}

// IsRetryable reports whether a caller should retry. Skill timeouts and
// anything the user must fix are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrDatabase) || errors.Is(err, ErrTimeout)
}

// Wrap adds context while preserving the sentinel chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// InvalidInput wraps a message as invalid input.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Execution wraps a message as an execution failure.
func Execution(message string) error {
	return fmt.Errorf("%s: %w", message, ErrExecution)
}

// Transient wraps a message as transient.
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Database wraps a message as a database failure.
func Database(message string) error {
	return fmt.Errorf("%s: %w", message, ErrDatabase)
}

// PermissionDenied wraps a message as permission denied.
func PermissionDenied(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPermissionDenied)
}

// ResourceExhausted wraps a message as a cap rejection.
func ResourceExhausted(message string) error {
	return fmt.Errorf("%s: %w", message, ErrResourceExhausted)
}

// NotFound wraps a message as not found.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Internal wraps a message as internal.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}
