package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/cascade"
	"github.com/edudirectory/edusync/pkg/userdata"
)

type fakeApplier struct {
	mu        sync.Mutex
	conflicts []cascade.FieldConflict
	applyErr  error
	calls     int
	actors    []string
}

func (f *fakeApplier) CheckBaseline(_ context.Context, _ *userdata.Submission) ([]cascade.FieldConflict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conflicts, nil
}

func (f *fakeApplier) Apply(_ context.Context, sub *userdata.Submission, actor, _ string) (*cascade.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.actors = append(f.actors, actor)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return &cascade.Result{SubmissionID: sub.ID, EntityID: sub.EntityID, Version: 2}, nil
}

type schedFixture struct {
	sched   *Scheduler
	store   *JobStore
	subs    *userdata.Store
	trail   *audit.Trail
	applier *fakeApplier
	now     time.Time
}

func newSchedFixture(t *testing.T, cfg *JobConfig) *schedFixture {
	t.Helper()
	db := setupTestDB(t)
	f := &schedFixture{
		store:   NewJobStore(db),
		subs:    userdata.NewStore(db),
		trail:   audit.NewTrail(db),
		applier: &fakeApplier{},
		now:     t0,
	}
	require.NoError(t, f.subs.AutoMigrate())
	require.NoError(t, f.trail.AutoMigrate())
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	f.sched = NewScheduler(f.store, f.subs, f.applier, f.trail, cfg, nil)
	f.sched.SetClock(func() time.Time { return f.now })
	return f
}

func (f *schedFixture) submit(t *testing.T, entityID string, status userdata.SubmissionStatus) *userdata.Submission {
	t.Helper()
	sub := &userdata.Submission{
		SubmitterID: "acct-1",
		EntityType:  "university",
		EntityID:    entityID,
		FieldDiffs:  userdata.FieldDiffs{{Field: "cutoff", Baseline: 87.0, Proposed: 88.0}},
		Status:      status,
	}
	require.NoError(t, f.subs.CreateSubmission(context.Background(), sub))
	return sub
}

func (f *schedFixture) auditActions(t *testing.T, jobID string) []string {
	t.Helper()
	recs, _, _, err := f.trail.List(context.Background(), audit.ListFilter{JobID: jobID}, 100, "")
	require.NoError(t, err)
	var out []string
	for _, r := range recs {
		out = append(out, r.Action+":"+r.Outcome)
	}
	return out
}

func TestBackoff(t *testing.T) {
	cfg := DefaultJobConfig()
	cfg.BaseBackoff = time.Minute
	cfg.MaxBackoff = 30 * time.Minute

	assert.Equal(t, time.Minute, cfg.Backoff(0))
	assert.Equal(t, time.Minute, cfg.Backoff(1))
	assert.Equal(t, 2*time.Minute, cfg.Backoff(2))
	assert.Equal(t, 4*time.Minute, cfg.Backoff(3))
	assert.Equal(t, 16*time.Minute, cfg.Backoff(5))
	assert.Equal(t, 30*time.Minute, cfg.Backoff(6))
	assert.Equal(t, 30*time.Minute, cfg.Backoff(60))
}

func TestInWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.Local) }

	cfg := &JobConfig{WindowStart: "22:00", WindowEnd: "06:00"}
	assert.True(t, cfg.InWindow(at(23, 30)))
	assert.True(t, cfg.InWindow(at(5, 59)))
	assert.False(t, cfg.InWindow(at(6, 0)))
	assert.False(t, cfg.InWindow(at(12, 0)))

	cfg = &JobConfig{WindowStart: "09:00", WindowEnd: "17:00"}
	assert.True(t, cfg.InWindow(at(9, 0)))
	assert.False(t, cfg.InWindow(at(17, 0)))

	assert.True(t, (&JobConfig{}).InWindow(at(3, 0)))
}

func TestJobConfigValidate(t *testing.T) {
	require.NoError(t, DefaultJobConfig().Validate())

	cfg := DefaultJobConfig()
	cfg.WindowStart = "22:00"
	assert.Error(t, cfg.Validate())

	cfg.WindowEnd = "25:99"
	assert.Error(t, cfg.Validate())

	cfg = DefaultJobConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestEnqueueRejectsPendingSubmission(t *testing.T) {
	f := newSchedFixture(t, nil)
	sub := f.submit(t, "uni-1", userdata.StatusPending)

	_, err := f.sched.Enqueue(context.Background(), sub, "acct-1")
	assert.ErrorIs(t, err, cascade.ErrNotAccepted)
}

func TestProcessBatchCompletesJob(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, nil)
	sub := f.submit(t, "uni-1", userdata.StatusAutoApproved)

	job, err := f.sched.Enqueue(ctx, sub, "acct-1")
	require.NoError(t, err)

	report, err := f.sched.ProcessBatch(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, JobStateCompleted, report.Outcomes[0].State)
	assert.Equal(t, []string{"acct-1"}, f.applier.actors)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, got.State)
	assert.Contains(t, got.Message, "version 2")
}

func TestProcessBatchRetryBound(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultJobConfig()
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = time.Minute
	f := newSchedFixture(t, cfg)
	f.applier.applyErr = &cascade.ApplyFailure{Step: cascade.StepLock, Transient: true, Err: cascade.ErrLockContention}

	sub := f.submit(t, "uni-1", userdata.StatusAutoApproved)
	job, err := f.sched.Enqueue(ctx, sub, "acct-1")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		report, err := f.sched.ProcessBatch(ctx, 0, false)
		require.NoError(t, err)
		require.Equal(t, 1, report.Claimed, "attempt %d", attempt)

		got, err := f.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)
		if attempt < 3 {
			assert.Equal(t, 1, report.Retried)
			assert.Equal(t, JobStateQueued, got.State)
			assert.True(t, got.IsRetrying())
			assert.True(t, got.NextAttemptAt.Equal(f.now.Add(cfg.Backoff(attempt))))

			// Not due yet.
			report, err = f.sched.ProcessBatch(ctx, 0, false)
			require.NoError(t, err)
			assert.Zero(t, report.Claimed)

			f.now = got.NextAttemptAt
		} else {
			assert.Equal(t, 1, report.Failed)
			assert.Equal(t, JobStateFailed, got.State)
		}
	}

	f.now = f.now.Add(24 * time.Hour)
	report, err := f.sched.ProcessBatch(ctx, 0, false)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
	assert.Equal(t, 3, f.applier.calls)

	gotSub, err := f.subs.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, userdata.StatusFailed, gotSub.Status)

	actions := f.auditActions(t, job.ID)
	assert.ElementsMatch(t, []string{
		audit.ActionApplyFailure + ":" + audit.OutcomePending,
		audit.ActionApplyFailure + ":" + audit.OutcomePending,
		audit.ActionApplyFailure + ":" + audit.OutcomeFailure,
	}, actions)
}

func TestProcessBatchTerminalFailureSkipsRetry(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, nil)
	f.applier.applyErr = &cascade.ApplyFailure{Step: cascade.StepLoad, Err: cascade.ErrEntityNotFound}

	sub := f.submit(t, "uni-1", userdata.StatusApproved)
	job, err := f.sched.Enqueue(ctx, sub, "reviewer-1")
	require.NoError(t, err)

	report, err := f.sched.ProcessBatch(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "not found")
}

func TestProcessBatchConflictRoutesToReview(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, nil)
	f.applier.conflicts = []cascade.FieldConflict{{Field: "cutoff", Baseline: 87.0, Current: 90.0}}

	sub := f.submit(t, "uni-1", userdata.StatusAutoApproved)
	job, err := f.sched.Enqueue(ctx, sub, "acct-1")
	require.NoError(t, err)

	report, err := f.sched.ProcessBatch(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, f.applier.calls)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateConflict, got.State)

	gotSub, err := f.subs.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, userdata.StatusAutoApproved, gotSub.Status)
	assert.Nil(t, gotSub.AppliedAt)

	recs, _, _, err := f.trail.List(ctx, audit.ListFilter{JobID: job.ID}, 10, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.ActionConflict, recs[0].Action)
	assert.Equal(t, 87.0, recs[0].Before["cutoff"])
	assert.Contains(t, recs[0].Reason, "cutoff")
}

func TestProcessBatchConflictFromApply(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, nil)
	sub := f.submit(t, "uni-1", userdata.StatusAutoApproved)
	f.applier.applyErr = &cascade.ConflictError{SubmissionID: sub.ID, EntityID: "uni-1",
		Conflicts: []cascade.FieldConflict{{Field: "cutoff", Baseline: 87.0, Current: 91.0}}}

	job, err := f.sched.Enqueue(ctx, sub, "acct-1")
	require.NoError(t, err)

	report, err := f.sched.ProcessBatch(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateConflict, got.State)
	assert.Contains(t, got.LastError, "found 91")
}

func TestProcessBatchRespectsWindow(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultJobConfig()
	cfg.WindowStart = "01:00"
	cfg.WindowEnd = "05:00"
	f := newSchedFixture(t, cfg)
	f.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	sub := f.submit(t, "uni-1", userdata.StatusAutoApproved)
	job, err := f.sched.Enqueue(ctx, sub, "acct-1")
	require.NoError(t, err)

	report, err := f.sched.ProcessBatch(ctx, 0, false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateQueued, got.State)

	report, err = f.sched.ProcessBatch(ctx, 0, true)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Completed)
}

func TestProcessBatchLimit(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, nil)
	for _, id := range []string{"uni-1", "uni-2", "uni-3"} {
		_, err := f.sched.Enqueue(ctx, f.submit(t, id, userdata.StatusAutoApproved), "acct-1")
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}

	report, err := f.sched.ProcessBatch(ctx, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)

	st, err := f.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 1, st.Queued)
}

func TestCancelRecordsAudit(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, nil)
	sub := f.submit(t, "uni-1", userdata.StatusAutoApproved)
	job, err := f.sched.Enqueue(ctx, sub, "acct-1")
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(ctx, job.ID, "reviewer-1"))
	assert.Equal(t, []string{audit.ActionJobCanceled + ":" + audit.OutcomeSuccess}, f.auditActions(t, job.ID))

	report, err := f.sched.ProcessBatch(ctx, 0, true)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
}

func TestHistoryCappedByLimit(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultJobConfig()
	cfg.HistoryLimit = 2
	f := newSchedFixture(t, cfg)
	for _, id := range []string{"uni-1", "uni-2", "uni-3"} {
		_, err := f.sched.Enqueue(ctx, f.submit(t, id, userdata.StatusAutoApproved), "acct-1")
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}
	_, err := f.sched.ProcessBatch(ctx, 0, true)
	require.NoError(t, err)

	history, err := f.sched.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	f.sched.Cleanup(ctx)
	st, err := f.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
}
