// Package submissions accepts data corrections from users. Intake validates
// a correction against the current record, stores it, runs the auto-approval
// evaluator and hands approved corrections to the batch scheduler.
package submissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/edudirectory/edusync/pkg/approval"
	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// Config controls intake.
type Config struct {
	RatePerMinute  float64 `mapstructure:"rate_per_minute"`  // Submissions per submitter per minute. 0 disables. Default 10.
	Burst          int     `mapstructure:"burst"`            // Token bucket size. Default 5.
	MaxDiffs       int     `mapstructure:"max_diffs"`        // Max field changes per submission. Default 20.
	MaxEvidenceLen int     `mapstructure:"max_evidence_len"` // Max evidence length. Default 2048.
	MaxNoteLen     int     `mapstructure:"max_note_len"`     // Max note length. Default 1000.
}

// DefaultConfig returns the default intake configuration.
func DefaultConfig() *Config {
	return &Config{
		RatePerMinute:  10,
		Burst:          5,
		MaxDiffs:       20,
		MaxEvidenceLen: 2048,
		MaxNoteLen:     1000,
	}
}

// Change is one proposed field change. Baseline, when set, is the value the
// submitter saw; it must still match the record.
type Change struct {
	Field    string `json:"field"`
	Proposed any    `json:"proposed"`
	Baseline any    `json:"baseline,omitempty"`
}

// Request is a correction as submitted.
type Request struct {
	SubmitterID string   `json:"-"`
	EntityType  string   `json:"entityType,omitempty"`
	EntityID    string   `json:"entityId"`
	Changes     []Change `json:"changes"`
	Evidence    string   `json:"evidence,omitempty"`
	Note        string   `json:"note,omitempty"`
}

// Receipt is the outcome of a submission.
type Receipt struct {
	Submission *userdata.Submission `json:"submission"`
	Decision   approval.Decision    `json:"decision"`
	JobID      string               `json:"jobId,omitempty"`
}

// Deps are the collaborators of an Intake.
type Deps struct {
	DB        *gorm.DB
	Records   *records.Store
	Users     *userdata.Store
	Trail     *audit.Trail
	Engine    *approval.Engine
	Scheduler *jobs.Scheduler
}

// Intake validates, stores and evaluates corrections.
type Intake struct {
	deps        Deps
	cfg         *Config
	approvalCfg approval.Config
	limiter     *SubmitterLimiter
	logger      *slog.Logger
	now         func() time.Time
}

// NewIntake creates an Intake. approvalCfg is passed to every evaluation.
func NewIntake(deps Deps, cfg *Config, approvalCfg approval.Config, logger *slog.Logger) *Intake {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		deps:        deps,
		cfg:         cfg,
		approvalCfg: approvalCfg,
		limiter:     NewSubmitterLimiter(cfg.RatePerMinute, cfg.Burst),
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the intake's time source. Intended for tests.
func (in *Intake) SetClock(now func() time.Time) { in.now = now }

// ApprovalConfig returns the configuration used for evaluation.
func (in *Intake) ApprovalConfig() approval.Config { return in.approvalCfg }

// Submit records a correction and decides it. Auto-approved corrections are
// queued for application in the same transaction that stores them.
func (in *Intake) Submit(ctx context.Context, req Request) (*Receipt, error) {
	if err := in.validate(req); err != nil {
		return nil, err
	}
	now := in.now().UTC()

	rec, err := in.deps.Records.Get(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load target record: %w", err)
	}
	if rec == nil {
		return nil, invalid("entityId", "unknown entity %q", req.EntityID)
	}
	if req.EntityType != "" && req.EntityType != rec.EntityType {
		return nil, invalid("entityType", "entity %s is a %s, not a %s", rec.ID, rec.EntityType, req.EntityType)
	}

	diffs, err := buildDiffs(rec, req.Changes)
	if err != nil {
		return nil, err
	}

	// Only well-formed submissions spend a token.
	if ok, wait := in.limiter.Allow(req.SubmitterID, now); !ok {
		return nil, &RateLimitError{SubmitterID: req.SubmitterID, RetryAfter: wait}
	}

	trust, err := in.deps.Users.GetTrust(ctx, req.SubmitterID)
	if err != nil {
		return nil, err
	}

	sub := &userdata.Submission{
		SubmitterID: req.SubmitterID,
		EntityType:  rec.EntityType,
		EntityID:    rec.ID,
		FieldDiffs:  diffs,
		Evidence:    strings.TrimSpace(req.Evidence),
		Note:        strings.TrimSpace(req.Note),
		CreatedAt:   now,
	}
	decision := in.deps.Engine.Evaluate(approval.InputFor(sub, trust), in.approvalCfg)
	sub.Status = decision.Status
	sub.DecisionRule = decision.RuleID

	receipt := &Receipt{Submission: sub, Decision: decision}
	err = in.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := in.deps.Users.WithTx(tx).CreateSubmission(ctx, sub); err != nil {
			return err
		}

		trail := in.deps.Trail.WithTx(tx)
		before, after := diffValues(diffs)
		if err := trail.Append(ctx, &audit.Record{
			Actor:        req.SubmitterID,
			Action:       audit.ActionSubmissionReceived,
			EntityType:   sub.EntityType,
			EntityID:     sub.EntityID,
			SubmissionID: sub.ID,
			Outcome:      audit.OutcomeSuccess,
			Before:       before,
			After:        after,
			Metadata:     records.JSONAny{"hasEvidence": sub.HasEvidence(), "recordVersion": rec.Version},
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		outcome := audit.OutcomePending
		if decision.Status == userdata.StatusAutoApproved {
			outcome = audit.OutcomeSuccess
		}
		if err := trail.Append(ctx, &audit.Record{
			Actor:        audit.ActorSystem,
			Action:       audit.ActionAutoApprovalDecision,
			EntityType:   sub.EntityType,
			EntityID:     sub.EntityID,
			SubmissionID: sub.ID,
			Outcome:      outcome,
			Reason:       decision.Reason,
			Metadata: records.JSONAny{
				"status":      string(decision.Status),
				"ruleId":      decision.RuleID,
				"trustLevel":  trust.TrustLevel,
				"autoEnabled": in.approvalCfg.Enabled,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		if decision.Status == userdata.StatusAutoApproved {
			job, err := in.deps.Scheduler.EnqueueTx(ctx, tx, sub, req.SubmitterID)
			if err != nil {
				return err
			}
			receipt.JobID = job.ID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store submission: %w", err)
	}

	in.logger.Info("submission received",
		"submissionID", sub.ID,
		"submitterID", sub.SubmitterID,
		"entityID", sub.EntityID,
		"status", sub.Status,
		"ruleID", decision.RuleID,
		"jobID", receipt.JobID)
	return receipt, nil
}

func (in *Intake) validate(req Request) error {
	if req.SubmitterID == "" {
		return invalid("submitterId", "required")
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return invalid("entityId", "required")
	}
	if len(req.Changes) == 0 {
		return invalid("changes", "at least one change is required")
	}
	if in.cfg.MaxDiffs > 0 && len(req.Changes) > in.cfg.MaxDiffs {
		return invalid("changes", "at most %d changes per submission", in.cfg.MaxDiffs)
	}
	if in.cfg.MaxEvidenceLen > 0 && len(req.Evidence) > in.cfg.MaxEvidenceLen {
		return invalid("evidence", "longer than %d bytes", in.cfg.MaxEvidenceLen)
	}
	if in.cfg.MaxNoteLen > 0 && len(req.Note) > in.cfg.MaxNoteLen {
		return invalid("note", "longer than %d bytes", in.cfg.MaxNoteLen)
	}
	seen := make(map[string]bool, len(req.Changes))
	for i, c := range req.Changes {
		name := strings.TrimSpace(c.Field)
		if name == "" {
			return invalid(fmt.Sprintf("changes[%d].field", i), "required")
		}
		if name == "id" {
			return invalid(fmt.Sprintf("changes[%d].field", i), "the record id cannot be changed")
		}
		if seen[name] {
			return invalid(fmt.Sprintf("changes[%d].field", i), "duplicate field %q", name)
		}
		seen[name] = true
	}
	return nil
}

// buildDiffs pins each change to the record's current value.
func buildDiffs(rec *records.StaticRecord, changes []Change) (userdata.FieldDiffs, error) {
	diffs := make(userdata.FieldDiffs, 0, len(changes))
	for _, c := range changes {
		field := strings.TrimSpace(c.Field)
		current := rec.Fields[field]
		if c.Baseline != nil && !records.EqualValues(c.Baseline, current) {
			return nil, invalid(field, "record changed since it was viewed (now %s)", records.FormatValue(current))
		}
		if records.EqualValues(c.Proposed, current) {
			return nil, invalid(field, "proposed value equals the current value")
		}
		_, curNum := records.AsNumber(current)
		_, propNum := records.AsNumber(c.Proposed)
		if curNum && !propNum {
			return nil, invalid(field, "expected a number")
		}
		diffs = append(diffs, userdata.FieldDiff{Field: field, Baseline: current, Proposed: c.Proposed})
	}
	return diffs, nil
}

func diffValues(diffs userdata.FieldDiffs) (before, after records.JSONAny) {
	before, after = records.JSONAny{}, records.JSONAny{}
	for _, d := range diffs {
		before[d.Field] = d.Baseline
		after[d.Field] = d.Proposed
	}
	return before, after
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
