package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/cascade"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// Applier applies accepted submissions. It is satisfied by *cascade.Applier.
type Applier interface {
	CheckBaseline(ctx context.Context, sub *userdata.Submission) ([]cascade.FieldConflict, error)
	Apply(ctx context.Context, sub *userdata.Submission, actor, jobID string) (*cascade.Result, error)
}

// Outcome is what happened to one job in a batch.
type Outcome struct {
	JobID        string   `json:"jobId"`
	SubmissionID string   `json:"submissionId"`
	EntityID     string   `json:"entityId"`
	State        JobState `json:"state"`
	Attempt      int      `json:"attempt"`
	Error        string   `json:"error,omitempty"`
}

// BatchReport summarises one ProcessBatch run.
type BatchReport struct {
	Skipped   bool      `json:"skipped"`
	Claimed   int       `json:"claimed"`
	Completed int       `json:"completed"`
	Retried   int       `json:"retried"`
	Failed    int       `json:"failed"`
	Conflicts int       `json:"conflicts"`
	Outcomes  []Outcome `json:"outcomes,omitempty"`
}

func (r *BatchReport) add(o Outcome, retried bool) {
	r.Outcomes = append(r.Outcomes, o)
	switch {
	case retried:
		r.Retried++
	case o.State == JobStateCompleted:
		r.Completed++
	case o.State == JobStateConflict:
		r.Conflicts++
	case o.State == JobStateFailed:
		r.Failed++
	}
}

// Scheduler drains the job queue in batches, applying each claimed job
// through the Applier. Batches are serialized.
type Scheduler struct {
	store   *JobStore
	subs    *userdata.Store
	applier Applier
	trail   *audit.Trail
	cfg     *JobConfig
	logger  *slog.Logger
	now     func() time.Time

	batchMu sync.Mutex
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. A nil cfg uses DefaultJobConfig.
func NewScheduler(store *JobStore, subs *userdata.Store, applier Applier, trail *audit.Trail, cfg *JobConfig, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		subs:    subs,
		applier: applier,
		trail:   trail,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the scheduler's time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Store returns the scheduler's job store.
func (s *Scheduler) Store() *JobStore { return s.store }

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() *JobConfig { return s.cfg }

// NewJob builds the queued job for an accepted submission.
func (s *Scheduler) NewJob(sub *userdata.Submission, requestedBy string) *BatchJob {
	now := s.now().UTC()
	return &BatchJob{
		SubmissionID:  sub.ID,
		EntityID:      sub.EntityID,
		EntityType:    sub.EntityType,
		State:         JobStateQueued,
		MaxAttempts:   s.cfg.MaxAttempts,
		ScheduledAt:   now,
		NextAttemptAt: now,
		RequestedBy:   requestedBy,
	}
}

// Enqueue queues an accepted submission for application. Enqueuing the same
// submission twice returns the existing job.
func (s *Scheduler) Enqueue(ctx context.Context, sub *userdata.Submission, requestedBy string) (*BatchJob, error) {
	return s.enqueue(ctx, s.store, sub, requestedBy)
}

// EnqueueTx is Enqueue inside the caller's transaction.
func (s *Scheduler) EnqueueTx(ctx context.Context, tx *gorm.DB, sub *userdata.Submission, requestedBy string) (*BatchJob, error) {
	return s.enqueue(ctx, s.store.WithTx(tx), sub, requestedBy)
}

func (s *Scheduler) enqueue(ctx context.Context, store *JobStore, sub *userdata.Submission, requestedBy string) (*BatchJob, error) {
	if !sub.Status.Accepted() {
		return nil, fmt.Errorf("enqueue submission %s in status %s: %w", sub.ID, sub.Status, cascade.ErrNotAccepted)
	}
	job, created, err := store.Enqueue(ctx, s.NewJob(sub, requestedBy))
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("job enqueued", "jobID", job.ID, "submissionID", sub.ID, "entityID", sub.EntityID)
	}
	return job, nil
}

// Cancel withdraws a queued job and records the cancellation.
func (s *Scheduler) Cancel(ctx context.Context, jobID, actor string) error {
	now := s.now().UTC()
	if err := s.store.Cancel(ctx, jobID, now); err != nil {
		return err
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	s.record(ctx, &audit.Record{
		Actor:        actor,
		Action:       audit.ActionJobCanceled,
		EntityType:   job.EntityType,
		EntityID:     job.EntityID,
		SubmissionID: job.SubmissionID,
		JobID:        job.ID,
		Outcome:      audit.OutcomeSuccess,
		CreatedAt:    now,
	})
	return nil
}

// Stats returns job counts per state.
func (s *Scheduler) Stats(ctx context.Context) (QueueStats, error) {
	return s.store.Stats(ctx)
}

// History returns up to limit terminal jobs, capped at HistoryLimit.
func (s *Scheduler) History(ctx context.Context, limit int) ([]BatchJob, error) {
	if s.cfg.HistoryLimit > 0 && (limit <= 0 || limit > s.cfg.HistoryLimit) {
		limit = s.cfg.HistoryLimit
	}
	return s.store.History(ctx, limit)
}

// ProcessBatch claims up to limit jobs (BatchSize when limit <= 0) and
// applies them. Outside the preferred window the call does nothing unless
// override is set.
func (s *Scheduler) ProcessBatch(ctx context.Context, limit int, override bool) (*BatchReport, error) {
	if !override && !s.cfg.InWindow(s.now()) {
		s.logger.Debug("outside processing window, batch skipped",
			"windowStart", s.cfg.WindowStart, "windowEnd", s.cfg.WindowEnd)
		return &BatchReport{Skipped: true}, nil
	}
	if limit <= 0 || limit > s.cfg.BatchSize {
		limit = s.cfg.BatchSize
	}

	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	claimed, err := s.store.ClaimBatch(ctx, limit, s.now().UTC())
	if err != nil && len(claimed) == 0 {
		return nil, err
	}
	if err != nil {
		s.logger.Error("claim interrupted, processing partial batch", "claimed", len(claimed), "error", err)
	}

	report := &BatchReport{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i := range claimed {
		job := claimed[i]
		g.Go(func() error {
			o, retried := s.processJob(ctx, &job)
			mu.Lock()
			report.add(o, retried)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("batch processed",
		"claimed", report.Claimed,
		"completed", report.Completed,
		"retried", report.Retried,
		"failed", report.Failed,
		"conflicts", report.Conflicts)
	return report, nil
}

// processJob runs one attempt of a claimed job. It reports the job's new
// state and whether a retry was scheduled.
func (s *Scheduler) processJob(ctx context.Context, job *BatchJob) (Outcome, bool) {
	out := Outcome{JobID: job.ID, SubmissionID: job.SubmissionID, EntityID: job.EntityID, Attempt: job.Attempts}

	s.logger.Info("processing job",
		"jobID", job.ID,
		"submissionID", job.SubmissionID,
		"entityID", job.EntityID,
		"attempt", job.Attempts)

	sub, err := s.subs.GetSubmission(ctx, job.SubmissionID)
	if err != nil {
		return s.handleFailure(ctx, job, nil, err, true, out)
	}
	if sub == nil {
		return s.handleFailure(ctx, job, nil, fmt.Errorf("submission %s not found", job.SubmissionID), false, out)
	}

	attemptCtx := ctx
	if s.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		defer cancel()
	}

	conflicts, err := s.applier.CheckBaseline(attemptCtx, sub)
	if err != nil {
		return s.handleFailure(ctx, job, sub, err, !errors.Is(err, cascade.ErrEntityNotFound), out)
	}
	if len(conflicts) > 0 {
		return s.handleConflict(ctx, job, sub, &cascade.ConflictError{
			SubmissionID: sub.ID,
			EntityID:     sub.EntityID,
			Conflicts:    conflicts,
		}, out), false
	}

	res, err := s.applier.Apply(attemptCtx, sub, job.RequestedBy, job.ID)
	if err != nil {
		var ce *cascade.ConflictError
		if errors.As(err, &ce) {
			return s.handleConflict(ctx, job, sub, ce, out), false
		}
		transient := cascade.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
		return s.handleFailure(ctx, job, sub, err, transient, out)
	}

	msg := fmt.Sprintf("applied at version %d", res.Version)
	if res.AlreadyApplied {
		msg = "already applied"
	}
	if err := s.store.Complete(ctx, job.ID, msg, s.now().UTC()); err != nil {
		s.logger.Error("failed to mark job as complete", "jobID", job.ID, "error", err)
		out.Error = err.Error()
	}
	out.State = JobStateCompleted
	s.logger.Info("job completed", "jobID", job.ID, "version", res.Version, "alreadyApplied", res.AlreadyApplied)
	return out, false
}

// handleConflict parks the job in conflict. The submission stays accepted
// and unapplied until a reviewer reconciles it.
func (s *Scheduler) handleConflict(ctx context.Context, job *BatchJob, sub *userdata.Submission, ce *cascade.ConflictError, out Outcome) Outcome {
	now := s.now().UTC()
	out.State = JobStateConflict
	out.Error = ce.Error()

	if err := s.store.MarkConflict(ctx, job.ID, ce.Error(), now); err != nil {
		s.logger.Error("failed to mark job as conflicted", "jobID", job.ID, "error", err)
	}

	before := records.JSONAny{}
	after := records.JSONAny{}
	current := records.JSONAny{}
	for _, d := range sub.FieldDiffs {
		before[d.Field] = d.Baseline
		after[d.Field] = d.Proposed
	}
	for _, c := range ce.Conflicts {
		current[c.Field] = c.Current
	}
	s.record(ctx, &audit.Record{
		Actor:        audit.ActorSystem,
		Action:       audit.ActionConflict,
		EntityType:   sub.EntityType,
		EntityID:     sub.EntityID,
		SubmissionID: sub.ID,
		JobID:        job.ID,
		Outcome:      audit.OutcomeFailure,
		Reason:       ce.Error(),
		Before:       before,
		After:        after,
		Metadata:     records.JSONAny{"current": current, "attempt": job.Attempts},
		CreatedAt:    now,
	})
	s.logger.Warn("job conflicted", "jobID", job.ID, "submissionID", sub.ID, "entityID", sub.EntityID)
	return out
}

// handleFailure schedules a retry for transient failures with attempts
// left, and fails the job and its submission otherwise. sub may be nil.
func (s *Scheduler) handleFailure(ctx context.Context, job *BatchJob, sub *userdata.Submission, cause error, transient bool, out Outcome) (Outcome, bool) {
	now := s.now().UTC()
	out.Error = cause.Error()

	rec := &audit.Record{
		Actor:        audit.ActorSystem,
		Action:       audit.ActionApplyFailure,
		EntityType:   job.EntityType,
		EntityID:     job.EntityID,
		SubmissionID: job.SubmissionID,
		JobID:        job.ID,
		Reason:       cause.Error(),
		Metadata:     records.JSONAny{"attempt": job.Attempts, "maxAttempts": job.MaxAttempts, "transient": transient},
		CreatedAt:    now,
	}
	var af *cascade.ApplyFailure
	if errors.As(cause, &af) {
		rec.Metadata["step"] = af.Step
	}

	if transient && job.Attempts < job.MaxAttempts {
		delay := s.cfg.Backoff(job.Attempts)
		nextAt := now.Add(delay)
		if err := s.store.Retry(ctx, job.ID, cause.Error(), nextAt); err != nil {
			s.logger.Error("failed to schedule retry", "jobID", job.ID, "error", err)
		}
		rec.Outcome = audit.OutcomePending
		rec.Metadata["nextAttemptAt"] = nextAt.Format(time.RFC3339)
		s.record(ctx, rec)
		out.State = JobStateQueued
		s.logger.Warn("job attempt failed, retry scheduled",
			"jobID", job.ID, "attempt", job.Attempts, "backoff", delay.String(), "error", cause)
		return out, true
	}

	if err := s.store.Fail(ctx, job.ID, cause.Error(), now); err != nil {
		s.logger.Error("failed to mark job as failed", "jobID", job.ID, "error", err)
	}
	if sub != nil {
		err := s.subs.Transition(ctx, sub.ID,
			[]userdata.SubmissionStatus{userdata.StatusAutoApproved, userdata.StatusApproved},
			userdata.StatusFailed, "", "", now)
		if err != nil && !errors.Is(err, userdata.ErrStatusConflict) {
			s.logger.Error("failed to mark submission as failed", "submissionID", sub.ID, "error", err)
		}
	}
	rec.Outcome = audit.OutcomeFailure
	s.record(ctx, rec)
	out.State = JobStateFailed
	s.logger.Error("job failed", "jobID", job.ID, "attempt", job.Attempts, "error", cause)
	return out, false
}

// record appends to the audit trail. Failures are logged; the job row
// already carries the outcome.
func (s *Scheduler) record(ctx context.Context, rec *audit.Record) {
	if s.trail == nil {
		return
	}
	if err := s.trail.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append audit record", "action", rec.Action, "jobID", rec.JobID, "error", err)
	}
}

// Run starts the timer trigger and the cleanup sweep. It blocks until ctx
// is cancelled, then waits for an in-flight batch to finish.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("batch scheduler disabled")
		return
	}

	s.logger.Info("batch scheduler starting",
		"batchSize", s.cfg.BatchSize,
		"interval", s.cfg.Interval.String(),
		"maxAttempts", s.cfg.MaxAttempts,
		"windowStart", s.cfg.WindowStart,
		"windowEnd", s.cfg.WindowEnd)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.timerLoop(ctx)
	}()

	<-ctx.Done()
	s.logger.Info("batch scheduler shutting down")
	s.wg.Wait()
	s.logger.Info("batch scheduler stopped")
}

func (s *Scheduler) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Processing jobs run to completion on shutdown.
			if _, err := s.ProcessBatch(context.WithoutCancel(ctx), 0, false); err != nil {
				s.logger.Error("scheduled batch failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx)
		}
	}
}

// Cleanup recovers stuck jobs and prunes history beyond HistoryLimit.
func (s *Scheduler) Cleanup(ctx context.Context) {
	if s.cfg.ClaimTimeout > 0 {
		requeued, failed, err := s.store.CleanupStuckJobs(ctx, s.cfg.ClaimTimeout, s.now().UTC())
		if err != nil {
			s.logger.Error("failed to cleanup stuck jobs", "error", err)
		} else if requeued+failed > 0 {
			s.logger.Info("recovered stuck jobs", "requeued", requeued, "failed", failed)
		}
	}
	if s.cfg.HistoryLimit > 0 {
		deleted, err := s.store.PruneHistory(ctx, s.cfg.HistoryLimit)
		if err != nil {
			s.logger.Error("failed to prune job history", "error", err)
		} else if deleted > 0 {
			s.logger.Info("pruned job history", "count", deleted)
		}
	}
}
