package submissions

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches *RateLimitError.
var ErrRateLimited = errors.New("submission rate limit exceeded")

// ValidationError rejects a submission before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid submission: " + e.Message
	}
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RateLimitError reports that a submitter must wait before submitting again.
type RateLimitError struct {
	SubmitterID string
	RetryAfter  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("submitter %s: %v, retry after %s", e.SubmitterID, ErrRateLimited, e.RetryAfter.Round(time.Second))
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
