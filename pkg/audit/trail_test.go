package audit

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edudirectory/edusync/pkg/records"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps every goroutine on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	trail := NewTrail(db)
	require.NoError(t, trail.AutoMigrate())
	return trail
}

func TestTrailAppendAndGet(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	rec := &Record{
		Action:       ActionCascadeApply,
		EntityType:   "university",
		EntityID:     "uni-1",
		SubmissionID: "sub-1",
		Outcome:      OutcomeSuccess,
		Before:       records.JSONAny{"cutoff": 87.0},
		After:        records.JSONAny{"cutoff": 92.0},
	}
	require.NoError(t, trail.Append(ctx, rec))
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, ActorSystem, rec.Actor)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := trail.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 87.0, got.Before["cutoff"])
	assert.Equal(t, 92.0, got.After["cutoff"])

	missing, err := trail.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTrailListFiltersAndPaginates(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, trail.Append(ctx, &Record{
			Action:    ActionAutoApprovalDecision,
			EntityID:  "uni-1",
			Outcome:   OutcomeSuccess,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, trail.Append(ctx, &Record{
		Action:    ActionConflict,
		EntityID:  "uni-2",
		Outcome:   OutcomeFailure,
		CreatedAt: base,
	}))

	recs, next, total, err := trail.List(ctx, ListFilter{Action: ActionAutoApprovalDecision}, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, recs, 3)
	assert.Equal(t, base.Add(4*time.Second), recs[0].CreatedAt.UTC())
	require.NotEmpty(t, next)

	recs, next, _, err = trail.List(ctx, ListFilter{Action: ActionAutoApprovalDecision}, 3, next)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Empty(t, next)

	recs, _, total, err = trail.List(ctx, ListFilter{EntityID: "uni-2"}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, ActionConflict, recs[0].Action)

	_, _, _, err = trail.List(ctx, ListFilter{}, 10, "garbage")
	assert.Error(t, err)

	counts, err := trail.CountByAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[ActionAutoApprovalDecision])
	assert.Equal(t, 1, counts[ActionConflict])
}

func TestTrailWithTxRollsBack(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	err := trail.db.Transaction(func(tx *gorm.DB) error {
		if err := trail.WithTx(tx).Append(ctx, &Record{Action: ActionCascadeApply, Outcome: OutcomeSuccess}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, _, total, err := trail.List(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
