package ha

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newElector(t *testing.T, db *gorm.DB, identity string) *LeaderElector {
	t.Helper()
	cfg := DefaultHAConfig()
	cfg.LeaderElectionEnabled = true
	cfg.Identity = identity
	cfg.RetryPeriod = 10 * time.Millisecond
	le := NewLeaderElector(db, cfg, nil)
	require.NoError(t, le.AutoMigrate())
	return le
}

func TestTryAcquireExclusive(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	a := newElector(t, db, "replica-a")
	b := newElector(t, db, "replica-b")

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder renews.
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquireTakesExpiredLease(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	a := newElector(t, db, "replica-a")
	b := newElector(t, db, "replica-b")

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	b.SetClock(func() time.Time { return time.Now().Add(time.Minute) })
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunHandsOverLeadership(t *testing.T) {
	db := setupTestDB(t)
	a := newElector(t, db, "replica-a")
	b := newElector(t, db, "replica-b")

	var aLeading, bLeading atomic.Bool
	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		a.Run(ctxA, func(ctx context.Context) {
			aLeading.Store(true)
			<-ctx.Done()
			aLeading.Store(false)
		})
	}()
	require.Eventually(t, aLeading.Load, time.Second, 5*time.Millisecond)
	assert.True(t, a.IsLeader())

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	go b.Run(ctxB, func(ctx context.Context) {
		bLeading.Store(true)
		<-ctx.Done()
	})
	time.Sleep(50 * time.Millisecond)
	assert.False(t, bLeading.Load())

	cancelA()
	<-doneA
	assert.False(t, aLeading.Load())
	assert.False(t, a.IsLeader())
	require.Eventually(t, bLeading.Load, time.Second, 5*time.Millisecond)
}

func TestRunWithoutElection(t *testing.T) {
	cfg := DefaultHAConfig()
	le := NewLeaderElector(nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	go le.Run(ctx, func(ctx context.Context) {
		ran.Store(true)
		<-ctx.Done()
	})
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	assert.True(t, le.IsLeader())
	cancel()
	require.Eventually(t, func() bool { return !le.IsLeader() }, time.Second, 5*time.Millisecond)
}

func TestDefaultHAConfigIdentity(t *testing.T) {
	t.Setenv("POD_NAME", "edusync-abc-123")
	cfg := DefaultHAConfig()
	assert.Equal(t, "edusync-abc-123", cfg.Identity)
	assert.Equal(t, "edusync-scheduler", cfg.LeaseName)
	assert.True(t, cfg.MigrationLockEnabled)
	assert.False(t, cfg.LeaderElectionEnabled)
}
