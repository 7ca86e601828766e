package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCodeInvalid covers every unusable access code: malformed, unknown or
	// expired. Callers receive this single sentinel so they cannot probe
	// which codes exist; the activity log keeps the distinction for operators.
	ErrCodeInvalid = errors.New("access code: invalid or expired")

	// ErrRateLimited signals too many validation attempts in the window.
	ErrRateLimited = errors.New("access code: rate limited")

	// ErrCodeCollision is returned when generation exhausted its retry budget
	// without finding an unused code value.
	ErrCodeCollision = errors.New("access code: could not generate unique code")

	// ErrSupplierNotFound indicates the referenced supplier does not exist.
	ErrSupplierNotFound = errors.New("supplier: not found")

	// ErrAssistanceNotFound indicates the referenced assistance does not exist.
	ErrAssistanceNotFound = errors.New("assistance: not found")

	// ErrScheduleNotFound indicates no follow-up schedule matches the id.
	ErrScheduleNotFound = errors.New("followup: schedule not found")

	// ErrScheduleTerminal signals an operator action against a schedule that
	// already reached terminal success.
	ErrScheduleTerminal = errors.New("followup: schedule already sent")
)

// RateLimitError carries the limiter's advice on when the caller may retry.
// It unwraps to ErrRateLimited so errors.Is checks keep working.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("access code: rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
