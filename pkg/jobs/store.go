package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidState is returned when a job is not in a state that allows
	// the requested transition.
	ErrInvalidState = errors.New("invalid job state")
)

const retryingExpr = "CASE WHEN attempts > 0 THEN 1 ELSE 0 END"

// JobStore provides database operations for batch jobs.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// WithTx returns a JobStore bound to tx.
func (s *JobStore) WithTx(tx *gorm.DB) *JobStore {
	return &JobStore{db: tx}
}

// AutoMigrate creates or updates the batch_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&BatchJob{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	EntityID     string
	SubmissionID string
	State        string
	RequestedBy  string
}

// Enqueue creates a queued job. A submission has at most one job: if one
// already exists it is returned and created is false. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *BatchJob) (*BatchJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now().UTC()
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.ScheduledAt
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "submission_id"}}, DoNothing: true}).
		Create(job)
	if result.Error != nil {
		return nil, false, fmt.Errorf("enqueue job: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return job, true, nil
	}

	existing, err := s.GetBySubmission(ctx, job.SubmissionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("enqueue job: submission %s lost its job", job.SubmissionID)
	}
	return existing, false, nil
}

// ClaimBatch transitions up to limit due jobs from queued to processing and
// returns them. Only the oldest queued job of each entity is eligible, and
// entities that already have a processing job are skipped. Each claim is a
// compare-and-set on the row's state, so a job is claimed at most once.
func (s *JobStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]BatchJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	db := s.db.WithContext(ctx)

	// Candidates are due heads of their entity's queue whose entity has
	// nothing in flight.
	var candidates []BatchJob
	if err := db.Model(&BatchJob{}).
		Where("state = ? AND next_attempt_at <= ?", JobStateQueued, now).
		Where(`NOT EXISTS (SELECT 1 FROM batch_jobs AS ahead
			WHERE ahead.entity_id = batch_jobs.entity_id AND ahead.state = ?
			AND (ahead.scheduled_at < batch_jobs.scheduled_at
				OR (ahead.scheduled_at = batch_jobs.scheduled_at AND ahead.id < batch_jobs.id)))`, JobStateQueued).
		Where(`NOT EXISTS (SELECT 1 FROM batch_jobs AS busy
			WHERE busy.entity_id = batch_jobs.entity_id AND busy.state = ?)`, JobStateProcessing).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("load queued jobs: %w", err)
	}

	var claimed []BatchJob
	for _, c := range candidates {
		result := db.Model(&BatchJob{}).
			Where("id = ? AND state = ?", c.ID, JobStateQueued).
			Updates(map[string]any{
				"state":      JobStateProcessing,
				"started_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return claimed, fmt.Errorf("claim job %s: %w", c.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}
		c.State = JobStateProcessing
		c.StartedAt = &now
		c.Attempts++
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// finish moves a processing job to a new state.
func (s *JobStore) finish(ctx context.Context, jobID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&BatchJob{}).
		Where("id = ? AND state = ?", jobID, JobStateProcessing).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s is not processing: %w", jobID, ErrInvalidState)
	}
	return nil
}

// Complete marks a processing job as completed.
func (s *JobStore) Complete(ctx context.Context, jobID, message string, now time.Time) error {
	return s.finish(ctx, jobID, map[string]any{
		"state":       JobStateCompleted,
		"finished_at": now,
		"message":     message,
	})
}

// Retry re-queues a processing job for another attempt at nextAt.
func (s *JobStore) Retry(ctx context.Context, jobID, errMsg string, nextAt time.Time) error {
	return s.finish(ctx, jobID, map[string]any{
		"state":           JobStateQueued,
		"started_at":      nil,
		"next_attempt_at": nextAt,
		"last_error":      errMsg,
		"message":         "retry scheduled",
	})
}

// Fail marks a processing job as failed.
func (s *JobStore) Fail(ctx context.Context, jobID, errMsg string, now time.Time) error {
	return s.finish(ctx, jobID, map[string]any{
		"state":       JobStateFailed,
		"finished_at": now,
		"last_error":  errMsg,
		"message":     "apply failed",
	})
}

// MarkConflict marks a processing job as conflicted.
func (s *JobStore) MarkConflict(ctx context.Context, jobID, detail string, now time.Time) error {
	return s.finish(ctx, jobID, map[string]any{
		"state":       JobStateConflict,
		"finished_at": now,
		"last_error":  detail,
		"message":     "baseline changed, routed to review",
	})
}

// Cancel marks a queued job as canceled. Processing jobs run to completion.
func (s *JobStore) Cancel(ctx context.Context, jobID string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&BatchJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": now,
			"message":     "canceled",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.stateError(ctx, jobID, "only queued jobs can be canceled")
	}
	return nil
}

// Requeue puts a conflicted, failed or canceled job back in the queue with
// a fresh attempt budget.
func (s *JobStore) Requeue(ctx context.Context, jobID string, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&BatchJob{}).
		Where("id = ? AND state IN ?", jobID, []JobState{JobStateConflict, JobStateFailed, JobStateCanceled}).
		Updates(map[string]any{
			"state":           JobStateQueued,
			"attempts":        0,
			"scheduled_at":    now,
			"next_attempt_at": now,
			"started_at":      nil,
			"finished_at":     nil,
			"message":         "requeued",
		})
	if result.Error != nil {
		return fmt.Errorf("requeue job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.stateError(ctx, jobID, "only conflicted, failed or canceled jobs can be requeued")
	}
	return nil
}

func (s *JobStore) stateError(ctx context.Context, jobID, msg string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	return fmt.Errorf("job %s is %s, %s: %w", jobID, job.State, msg, ErrInvalidState)
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (*BatchJob, error) {
	var job BatchJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// GetBySubmission retrieves the job of a submission.
func (s *JobStore) GetBySubmission(ctx context.Context, submissionID string) (*BatchJob, error) {
	var job BatchJob
	if err := s.db.WithContext(ctx).First(&job, "submission_id = ?", submissionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job by submission: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]BatchJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&BatchJob{})
		if filter.EntityID != "" {
			q = q.Where("entity_id = ?", filter.EntityID)
		}
		if filter.SubmissionID != "" {
			q = q.Where("submission_id = ?", filter.SubmissionID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query := buildQuery(db).Order("scheduled_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("scheduled_at < ?", t)
	}

	var jobs []BatchJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(jobs) > pageSize {
		nextToken = jobs[pageSize-1].ScheduledAt.Format(time.RFC3339Nano)
		jobs = jobs[:pageSize]
	}

	return jobs, nextToken, int(totalSize), nil
}

// History returns up to limit terminal jobs, most recently finished first.
func (s *JobStore) History(ctx context.Context, limit int) ([]BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []BatchJob
	err := s.db.WithContext(ctx).
		Where("state IN ?", TerminalStates).
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("load job history: %w", err)
	}
	return jobs, nil
}

// Stats counts jobs per state. Queued jobs waiting for a retry are counted
// under Retrying only.
func (s *JobStore) Stats(ctx context.Context) (QueueStats, error) {
	type row struct {
		State    JobState
		Retrying int
		N        int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&BatchJob{}).
		Select("state, " + retryingExpr + " AS retrying, COUNT(*) AS n").
		Group("state, " + retryingExpr).
		Scan(&rows).Error
	if err != nil {
		return QueueStats{}, fmt.Errorf("count jobs by state: %w", err)
	}

	var st QueueStats
	for _, r := range rows {
		switch r.State {
		case JobStateQueued:
			if r.Retrying == 1 {
				st.Retrying += r.N
			} else {
				st.Queued += r.N
			}
		case JobStateProcessing:
			st.Processing += r.N
		case JobStateCompleted:
			st.Completed += r.N
		case JobStateFailed:
			st.Failed += r.N
		case JobStateConflict:
			st.Conflict += r.N
		case JobStateCanceled:
			st.Canceled += r.N
		}
		st.Total += r.N
	}
	return st, nil
}

// CleanupStuckJobs releases jobs that have been processing since before
// now - claimTimeout. Jobs with attempts left are re-queued; the rest fail.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration, now time.Time) (requeued, failed int64, err error) {
	cutoff := now.Add(-claimTimeout)
	db := s.db.WithContext(ctx)

	result := db.Model(&BatchJob{}).
		Where("state = ? AND started_at < ? AND attempts < max_attempts", JobStateProcessing, cutoff).
		Updates(map[string]any{
			"state":           JobStateQueued,
			"started_at":      nil,
			"next_attempt_at": now,
			"last_error":      "timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	requeued = result.RowsAffected

	result = db.Model(&BatchJob{}).
		Where("state = ? AND started_at < ?", JobStateProcessing, cutoff).
		Updates(map[string]any{
			"state":       JobStateFailed,
			"finished_at": now,
			"last_error":  "timed out (stuck job recovery)",
			"message":     "attempts exhausted",
		})
	if result.Error != nil {
		return requeued, 0, fmt.Errorf("fail stuck jobs: %w", result.Error)
	}
	return requeued, result.RowsAffected, nil
}

// PruneHistory deletes the oldest terminal jobs so that at most keep remain.
func (s *JobStore) PruneHistory(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	db := s.db.WithContext(ctx)

	var ids []string
	if err := db.Model(&BatchJob{}).
		Where("state IN ?", TerminalStates).
		Order("finished_at DESC, id DESC").
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("load job history ids: %w", err)
	}
	if len(ids) <= keep {
		return 0, nil
	}

	var deleted int64
	stale := ids[keep:]
	for start := 0; start < len(stale); start += 500 {
		end := min(start+500, len(stale))
		result := db.Where("id IN ?", stale[start:end]).Delete(&BatchJob{})
		if result.Error != nil {
			return deleted, fmt.Errorf("prune job history: %w", result.Error)
		}
		deleted += result.RowsAffected
	}
	return deleted, nil
}
