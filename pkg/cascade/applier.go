// Package cascade applies an accepted correction to its target record and
// everything derived from it: cached entity and aggregate views, deadline
// reminders, the audit trail and the submitter's trust profile. An apply is
// all-or-nothing and runs under a per-entity lock.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/cache"
	"github.com/edudirectory/edusync/pkg/notify"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// Config controls apply behavior.
type Config struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"` // Max wait for the entity lock. Default 5s.
}

// DefaultConfig returns the default cascade configuration.
func DefaultConfig() *Config {
	return &Config{LockTimeout: 5 * time.Second}
}

// AppliedSubmission marks a submission as applied. Its presence makes a
// repeated apply a no-op.
type AppliedSubmission struct {
	SubmissionID string    `gorm:"primaryKey;column:submission_id;type:varchar(36)"`
	EntityID     string    `gorm:"column:entity_id;index;not null"`
	Version      int64     `gorm:"column:version;not null"`
	AuditID      string    `gorm:"column:audit_id"`
	AppliedAt    time.Time `gorm:"column:applied_at;not null"`
}

// TableName returns the GORM table name.
func (AppliedSubmission) TableName() string { return "applied_submissions" }

// Result describes a finished apply.
type Result struct {
	SubmissionID       string   `json:"submissionId"`
	EntityID           string   `json:"entityId"`
	Version            int64    `json:"version"`
	AlreadyApplied     bool     `json:"alreadyApplied"`
	ChangedFields      []string `json:"changedFields,omitempty"`
	RemindersScheduled int      `json:"remindersScheduled"`
	AuditID            string   `json:"auditId,omitempty"`
}

// Deps are the stores an Applier writes through. Cache and Reminders may
// be nil.
type Deps struct {
	DB        *gorm.DB
	Records   *records.Store
	Users     *userdata.Store
	Trail     *audit.Trail
	Cache     *cache.Layer
	Reminders notify.Scheduler
}

// Applier applies accepted submissions.
type Applier struct {
	deps   Deps
	cfg    *Config
	locks  *KeyedLocks
	logger *slog.Logger
	now    func() time.Time
}

// NewApplier creates an Applier. A nil cfg uses DefaultConfig.
func NewApplier(deps Deps, cfg *Config, logger *slog.Logger) *Applier {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		deps:   deps,
		cfg:    cfg,
		locks:  NewKeyedLocks(),
		logger: logger,
		now:    time.Now,
	}
}

// AutoMigrate creates or updates the applied_submissions table.
func (a *Applier) AutoMigrate() error {
	return a.deps.DB.AutoMigrate(&AppliedSubmission{})
}

// Locks exposes the applier's entity lock table.
func (a *Applier) Locks() *KeyedLocks { return a.locks }

// CheckBaseline re-reads the target record and returns the fields whose
// current value differs from the submission's baseline.
func (a *Applier) CheckBaseline(ctx context.Context, sub *userdata.Submission) ([]FieldConflict, error) {
	rec, err := a.deps.Records.Get(ctx, sub.EntityID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", sub.EntityID, ErrEntityNotFound)
	}
	return diffBaseline(rec, sub.FieldDiffs), nil
}

// Apply applies sub on behalf of actor. jobID is recorded in the audit
// trail and may be empty. Re-applying an applied submission returns a
// Result with AlreadyApplied set and changes nothing. A changed baseline
// returns *ConflictError; any other failure returns *ApplyFailure.
func (a *Applier) Apply(ctx context.Context, sub *userdata.Submission, actor, jobID string) (*Result, error) {
	if !sub.Status.Accepted() {
		return nil, &ApplyFailure{
			SubmissionID: sub.ID,
			Step:         StepValidate,
			Err:          fmt.Errorf("status %s: %w", sub.Status, ErrNotAccepted),
		}
	}

	var res *Result
	err := a.locks.WithLock(ctx, sub.EntityID, a.cfg.LockTimeout, func() error {
		var txErr error
		res, txErr = a.applyLocked(ctx, sub, actor, jobID)
		return txErr
	})
	if err != nil {
		if errors.Is(err, ErrLockContention) {
			return nil, &ApplyFailure{SubmissionID: sub.ID, Step: StepLock, Transient: true, Err: err}
		}
		return nil, err
	}

	if !res.AlreadyApplied {
		// Readers may have refilled memory from the pre-commit state.
		if err := a.deps.Cache.InvalidateEntity(ctx, sub.EntityType, sub.EntityID); err != nil {
			a.logger.Warn("post-commit cache invalidation failed", "entityID", sub.EntityID, "error", err)
		}
		a.deps.Users.ForgetTrust(sub.SubmitterID)
		a.logger.Info("submission applied",
			"submissionID", sub.ID, "entityID", sub.EntityID, "version", res.Version, "jobID", jobID)
	}
	return res, nil
}

func (a *Applier) applyLocked(ctx context.Context, sub *userdata.Submission, actor, jobID string) (*Result, error) {
	res := &Result{SubmissionID: sub.ID, EntityID: sub.EntityID}
	fail := func(step string, transient bool, err error) error {
		return &ApplyFailure{SubmissionID: sub.ID, Step: step, Transient: transient, Err: err}
	}

	err := a.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := a.now().UTC()

		var marker AppliedSubmission
		err := tx.First(&marker, "submission_id = ?", sub.ID).Error
		if err == nil {
			res.AlreadyApplied = true
			res.Version = marker.Version
			res.AuditID = marker.AuditID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(StepLoad, true, fmt.Errorf("read applied marker: %w", err))
		}

		recs := a.deps.Records.WithTx(tx)
		rec, err := recs.Get(ctx, sub.EntityID)
		if err != nil {
			return fail(StepLoad, true, err)
		}
		if rec == nil {
			return fail(StepLoad, false, fmt.Errorf("%s: %w", sub.EntityID, ErrEntityNotFound))
		}
		if conflicts := diffBaseline(rec, sub.FieldDiffs); len(conflicts) > 0 {
			return &ConflictError{SubmissionID: sub.ID, EntityID: sub.EntityID, Conflicts: conflicts}
		}

		before := records.JSONAny{}
		after := records.JSONAny{}
		fields := rec.Fields.Clone()
		if fields == nil {
			fields = records.JSONAny{}
		}
		for _, d := range sub.FieldDiffs {
			before[d.Field] = rec.Fields[d.Field]
			after[d.Field] = d.Proposed
			fields[d.Field] = d.Proposed
			res.ChangedFields = append(res.ChangedFields, d.Field)
		}
		sort.Strings(res.ChangedFields)

		version, err := recs.UpdateFields(ctx, rec.ID, rec.Version, fields, now)
		if err != nil {
			return fail(StepUpdate, true, err)
		}
		res.Version = version

		if err := a.deps.Cache.WithTx(tx).InvalidateEntity(ctx, sub.EntityType, sub.EntityID); err != nil {
			return fail(StepInvalidate, true, err)
		}

		if a.deps.Reminders != nil {
			reminders := a.deps.Reminders.WithTx(tx)
			for _, d := range sub.FieldDiffs {
				when, ok := records.AsDate(d.Proposed)
				if !ok {
					continue
				}
				payload := map[string]any{
					notify.PayloadField: d.Field,
					"entityType":        sub.EntityType,
					"submissionId":      sub.ID,
				}
				if title, ok := rec.Fields["name"].(string); ok {
					payload["title"] = title
				}
				n, err := reminders.ScheduleReminder(ctx, sub.EntityID, when, payload)
				if err != nil {
					return fail(StepReminders, true, err)
				}
				res.RemindersScheduled += n
			}
		}

		auditRec := &audit.Record{
			Actor:        actor,
			Action:       audit.ActionCascadeApply,
			EntityType:   sub.EntityType,
			EntityID:     sub.EntityID,
			SubmissionID: sub.ID,
			JobID:        jobID,
			Outcome:      audit.OutcomeSuccess,
			Before:       before,
			After:        after,
			Metadata: records.JSONAny{
				"version":            version,
				"submitterId":        sub.SubmitterID,
				"remindersScheduled": res.RemindersScheduled,
				"invalidated":        cache.DependentPrefixes(sub.EntityType),
			},
			CreatedAt: now,
		}
		if err := a.deps.Trail.WithTx(tx).Append(ctx, auditRec); err != nil {
			return fail(StepAudit, true, err)
		}
		res.AuditID = auditRec.ID

		users := a.deps.Users.WithTx(tx)
		if _, err := users.RecordOutcome(ctx, sub.SubmitterID, true, now); err != nil {
			return fail(StepTrust, true, err)
		}
		if err := users.MarkApplied(ctx, sub.ID, now); err != nil {
			return fail(StepMark, true, err)
		}

		marker = AppliedSubmission{
			SubmissionID: sub.ID,
			EntityID:     sub.EntityID,
			Version:      version,
			AuditID:      auditRec.ID,
			AppliedAt:    now,
		}
		if err := tx.Create(&marker).Error; err != nil {
			return fail(StepMark, true, fmt.Errorf("write applied marker: %w", err))
		}
		return nil
	})
	if err != nil {
		var af *ApplyFailure
		var ce *ConflictError
		if errors.As(err, &af) || errors.As(err, &ce) {
			return nil, err
		}
		return nil, fail(StepCommit, true, err)
	}
	return res, nil
}

// diffBaseline compares the record's current values with each diff's
// baseline. A missing field has a nil current value.
func diffBaseline(rec *records.StaticRecord, diffs userdata.FieldDiffs) []FieldConflict {
	var out []FieldConflict
	for _, d := range diffs {
		current := rec.Fields[d.Field]
		if !records.EqualValues(current, d.Baseline) {
			out = append(out, FieldConflict{Field: d.Field, Baseline: d.Baseline, Current: current})
		}
	}
	return out
}
