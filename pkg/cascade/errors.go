package cascade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/edudirectory/edusync/pkg/records"
)

var (
	// ErrConflict matches *ConflictError.
	ErrConflict = errors.New("baseline conflict")
	// ErrNotAccepted is returned for submissions that were never approved.
	ErrNotAccepted = errors.New("submission not accepted")
	// ErrEntityNotFound is returned when the target record does not exist.
	ErrEntityNotFound = errors.New("target entity not found")
)

// Apply steps, reported in ApplyFailure.
const (
	StepValidate   = "validate"
	StepLock       = "lock"
	StepLoad       = "load"
	StepUpdate     = "update"
	StepInvalidate = "invalidate"
	StepReminders  = "reminders"
	StepAudit      = "audit"
	StepTrust      = "trust"
	StepMark       = "mark"
	StepCommit     = "commit"
)

// FieldConflict describes a field whose current value no longer equals the
// baseline the submission was evaluated against.
type FieldConflict struct {
	Field    string `json:"field"`
	Baseline any    `json:"baseline"`
	Current  any    `json:"current"`
}

// ConflictError reports that the target changed since evaluation. It is
// never resolved automatically.
type ConflictError struct {
	SubmissionID string
	EntityID     string
	Conflicts    []FieldConflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s: expected %s, found %s", c.Field, records.FormatValue(c.Baseline), records.FormatValue(c.Current))
	}
	return fmt.Sprintf("submission %s conflicts with %s (%s)", e.SubmissionID, e.EntityID, strings.Join(parts, "; "))
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ApplyFailure is returned when an apply aborted. Nothing from the aborted
// attempt is visible. Transient failures may succeed on retry.
type ApplyFailure struct {
	SubmissionID string
	Step         string
	Transient    bool
	Err          error
}

func (e *ApplyFailure) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("apply %s failed at %s (%s): %v", e.SubmissionID, e.Step, kind, e.Err)
}

func (e *ApplyFailure) Unwrap() error { return e.Err }

// IsTransient reports whether err is an ApplyFailure worth retrying.
func IsTransient(err error) bool {
	var af *ApplyFailure
	return errors.As(err, &af) && af.Transient
}
