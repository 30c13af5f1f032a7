// Package review is the manual-review surface: reviewers approve or reject
// submissions held by the evaluator, and requeue jobs that ended in a
// conflict or failure once the data has been reconciled.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/cascade"
	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/userdata"
)

var (
	// ErrNotFound is returned when the submission or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSelfReview is returned when a submitter reviews their own submission.
	ErrSelfReview = errors.New("submitters cannot review their own submissions")
)

// Queue is the work waiting for a reviewer.
type Queue struct {
	Pending   []userdata.Submission `json:"pending"`
	Conflicts []jobs.BatchJob       `json:"conflicts"`
	Failed    []jobs.BatchJob       `json:"failed"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	DB        *gorm.DB
	Records   *records.Store
	Users     *userdata.Store
	Trail     *audit.Trail
	Scheduler *jobs.Scheduler
}

// Service performs reviewer actions. Every action is recorded in the audit
// trail in the same transaction as the state change.
type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger, now: time.Now}
}

// SetClock overrides the service's time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Items returns the review queue. status narrows it to "pending",
// "conflict" or "failed"; empty returns everything.
func (s *Service) Items(ctx context.Context, status string, limit int) (*Queue, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := &Queue{Pending: []userdata.Submission{}, Conflicts: []jobs.BatchJob{}, Failed: []jobs.BatchJob{}}

	if status == "" || status == string(userdata.StatusPending) {
		subs, _, err := s.deps.Users.ListSubmissions(ctx, userdata.ListFilter{
			Status:   userdata.StatusPending,
			PageSize: limit,
		})
		if err != nil {
			return nil, err
		}
		q.Pending = subs
	}

	for _, st := range []jobs.JobState{jobs.JobStateConflict, jobs.JobStateFailed} {
		if status != "" && status != string(st) {
			continue
		}
		list, _, _, err := s.deps.Scheduler.Store().List(ctx, jobs.JobListFilter{State: string(st)}, limit, "")
		if err != nil {
			return nil, err
		}
		if st == jobs.JobStateConflict {
			q.Conflicts = list
		} else {
			q.Failed = list
		}
	}
	return q, nil
}

// Approve accepts a pending submission and queues it for application.
func (s *Service) Approve(ctx context.Context, submissionID, reviewer, note string) (*userdata.Submission, *jobs.BatchJob, error) {
	sub, err := s.loadForReview(ctx, submissionID, reviewer)
	if err != nil {
		return nil, nil, err
	}
	now := s.now().UTC()

	var job *jobs.BatchJob
	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := s.deps.Users.WithTx(tx)
		if err := users.Transition(ctx, sub.ID, []userdata.SubmissionStatus{userdata.StatusPending},
			userdata.StatusApproved, reviewer, note, now); err != nil {
			return err
		}
		updated, err := users.GetSubmission(ctx, sub.ID)
		if err != nil {
			return err
		}
		sub = updated

		job, err = s.deps.Scheduler.EnqueueTx(ctx, tx, sub, reviewer)
		if err != nil {
			return err
		}
		return s.deps.Trail.WithTx(tx).Append(ctx, &audit.Record{
			Actor:        reviewer,
			Action:       audit.ActionManualApproval,
			EntityType:   sub.EntityType,
			EntityID:     sub.EntityID,
			SubmissionID: sub.ID,
			JobID:        job.ID,
			Outcome:      audit.OutcomeSuccess,
			Reason:       note,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("approve submission %s: %w", submissionID, err)
	}

	s.logger.Info("submission approved", "submissionID", sub.ID, "reviewer", reviewer, "jobID", job.ID)
	return sub, job, nil
}

// Reject closes a pending submission without applying it. The submitter's
// trust profile counts it as an inaccurate submission.
func (s *Service) Reject(ctx context.Context, submissionID, reviewer, note string) (*userdata.Submission, error) {
	sub, err := s.loadForReview(ctx, submissionID, reviewer)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := s.deps.Users.WithTx(tx)
		if err := users.Transition(ctx, sub.ID, []userdata.SubmissionStatus{userdata.StatusPending},
			userdata.StatusRejected, reviewer, note, now); err != nil {
			return err
		}
		if _, err := users.RecordOutcome(ctx, sub.SubmitterID, false, now); err != nil {
			return err
		}
		updated, err := users.GetSubmission(ctx, sub.ID)
		if err != nil {
			return err
		}
		sub = updated

		return s.deps.Trail.WithTx(tx).Append(ctx, &audit.Record{
			Actor:        reviewer,
			Action:       audit.ActionRejection,
			EntityType:   sub.EntityType,
			EntityID:     sub.EntityID,
			SubmissionID: sub.ID,
			Outcome:      audit.OutcomeDenied,
			Reason:       note,
			CreatedAt:    now,
		})
	})
	s.deps.Users.ForgetTrust(sub.SubmitterID)
	if err != nil {
		return nil, fmt.Errorf("reject submission %s: %w", submissionID, err)
	}

	s.logger.Info("submission rejected", "submissionID", sub.ID, "reviewer", reviewer)
	return sub, nil
}

// Requeue sends a conflicted, failed or canceled job back to the queue. The
// submission's baselines are reset to the record's current values so the
// next attempt does not hit the same conflict, and a failed submission is
// accepted again.
func (s *Service) Requeue(ctx context.Context, jobID, actor string) (*jobs.BatchJob, error) {
	store := s.deps.Scheduler.Store()
	job, err := store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	switch job.State {
	case jobs.JobStateConflict, jobs.JobStateFailed, jobs.JobStateCanceled:
	default:
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.State, jobs.ErrInvalidState)
	}

	sub, err := s.deps.Users.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("submission %s: %w", job.SubmissionID, ErrNotFound)
	}
	rec, err := s.deps.Records.Get(ctx, sub.EntityID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("entity %s: %w", sub.EntityID, cascade.ErrEntityNotFound)
	}

	rebased, changed := rebaseline(sub.FieldDiffs, rec)
	now := s.now().UTC()

	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := s.deps.Users.WithTx(tx)
		if err := users.UpdateDiffs(ctx, sub.ID, rebased); err != nil {
			return err
		}
		if sub.Status == userdata.StatusFailed {
			if err := users.Transition(ctx, sub.ID, []userdata.SubmissionStatus{userdata.StatusFailed},
				userdata.StatusApproved, actor, "requeued after failure", now); err != nil {
				return err
			}
		}
		if err := store.WithTx(tx).Requeue(ctx, job.ID, now); err != nil {
			return err
		}
		return s.deps.Trail.WithTx(tx).Append(ctx, &audit.Record{
			Actor:        actor,
			Action:       audit.ActionRequeue,
			EntityType:   job.EntityType,
			EntityID:     job.EntityID,
			SubmissionID: job.SubmissionID,
			JobID:        job.ID,
			Outcome:      audit.OutcomeSuccess,
			Before:       baselines(sub.FieldDiffs),
			After:        baselines(rebased),
			Metadata:     records.JSONAny{"previousState": string(job.State), "rebaselined": changed, "recordVersion": rec.Version},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", jobID, err)
	}

	s.logger.Info("job requeued", "jobID", job.ID, "submissionID", sub.ID, "previousState", job.State, "rebaselined", changed)
	return store.Get(ctx, job.ID)
}

// SetTrust overrides a submitter's trust level. Reviewers use it to vouch
// for a known contributor or to pull auto-approval from one. The level is
// clamped to the valid range.
func (s *Service) SetTrust(ctx context.Context, submitterID string, level int, reviewer, note string) (userdata.TrustProfile, error) {
	if submitterID == reviewer {
		return userdata.TrustProfile{}, ErrSelfReview
	}
	before, err := s.deps.Users.GetTrust(ctx, submitterID)
	if err != nil {
		return userdata.TrustProfile{}, err
	}
	now := s.now().UTC()
	level = userdata.ClampTrust(level)

	err = s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.deps.Users.WithTx(tx).SetTrust(ctx, submitterID, level, now); err != nil {
			return err
		}
		return s.deps.Trail.WithTx(tx).Append(ctx, &audit.Record{
			Actor:     reviewer,
			Action:    audit.ActionTrustOverride,
			Outcome:   audit.OutcomeSuccess,
			Reason:    note,
			Before:    records.JSONAny{"trustLevel": before.TrustLevel},
			After:     records.JSONAny{"trustLevel": level},
			Metadata:  records.JSONAny{"submitterId": submitterID},
			CreatedAt: now,
		})
	})
	s.deps.Users.ForgetTrust(submitterID)
	if err != nil {
		return userdata.TrustProfile{}, fmt.Errorf("set trust for %s: %w", submitterID, err)
	}

	s.logger.Info("trust level overridden", "submitterID", submitterID, "reviewer", reviewer,
		"from", before.TrustLevel, "to", level)
	return s.deps.Users.GetTrust(ctx, submitterID)
}

func (s *Service) loadForReview(ctx context.Context, submissionID, reviewer string) (*userdata.Submission, error) {
	sub, err := s.deps.Users.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("submission %s: %w", submissionID, ErrNotFound)
	}
	if sub.SubmitterID == reviewer {
		return nil, ErrSelfReview
	}
	return sub, nil
}

// rebaseline pins every diff to the record's current value and reports
// how many baselines moved.
func rebaseline(diffs userdata.FieldDiffs, rec *records.StaticRecord) (userdata.FieldDiffs, int) {
	out := make(userdata.FieldDiffs, len(diffs))
	changed := 0
	for i, d := range diffs {
		current := rec.Fields[d.Field]
		if !records.EqualValues(d.Baseline, current) {
			changed++
		}
		out[i] = userdata.FieldDiff{Field: d.Field, Baseline: current, Proposed: d.Proposed}
	}
	return out, changed
}

func baselines(diffs userdata.FieldDiffs) records.JSONAny {
	out := records.JSONAny{}
	for _, d := range diffs {
		out[d.Field] = d.Baseline
	}
	return out
}
