package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type leaseRecord struct {
	Name      string    `gorm:"primaryKey;column:name"`
	Holder    string    `gorm:"column:holder;not null"`
	RenewedAt time.Time `gorm:"column:renewed_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (leaseRecord) TableName() string { return "leader_leases" }

// LeaderElector holds a named lease row so that one replica at a time runs
// the leader callback.
type LeaderElector struct {
	db     *gorm.DB
	cfg    *HAConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	isLeader  bool
	lastRenew time.Time
}

// NewLeaderElector creates a LeaderElector.
func NewLeaderElector(db *gorm.DB, cfg *HAConfig, logger *slog.Logger) *LeaderElector {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{db: db, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source. Intended for tests.
func (le *LeaderElector) SetClock(now func() time.Time) { le.now = now }

// AutoMigrate creates the lease table.
func (le *LeaderElector) AutoMigrate() error {
	return le.db.AutoMigrate(&leaseRecord{})
}

// IsLeader reports whether this replica currently holds the lease.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// TryAcquire takes the lease if it is free or expired, or renews it if this
// replica already holds it.
func (le *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	now := le.now().UTC()
	expires := now.Add(le.cfg.LeaseDuration)
	db := le.db.WithContext(ctx)

	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&leaseRecord{
		Name:      le.cfg.LeaseName,
		Holder:    le.cfg.Identity,
		RenewedAt: now,
		ExpiresAt: expires,
	})
	if created.Error != nil {
		return false, fmt.Errorf("create lease: %w", created.Error)
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	updated := db.Model(&leaseRecord{}).
		Where("name = ? AND (holder = ? OR expires_at < ?)", le.cfg.LeaseName, le.cfg.Identity, now).
		Updates(map[string]any{"holder": le.cfg.Identity, "renewed_at": now, "expires_at": expires})
	if updated.Error != nil {
		return false, fmt.Errorf("renew lease: %w", updated.Error)
	}
	return updated.RowsAffected == 1, nil
}

// Release gives up the lease if this replica holds it.
func (le *LeaderElector) Release(ctx context.Context) error {
	err := le.db.WithContext(ctx).
		Where("name = ? AND holder = ?", le.cfg.LeaseName, le.cfg.Identity).
		Delete(&leaseRecord{}).Error
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Run blocks until ctx is done. While this replica holds the lease,
// onStartedLeading runs with a context that is canceled when leadership is
// lost. With leader election disabled it runs onStartedLeading directly.
func (le *LeaderElector) Run(ctx context.Context, onStartedLeading func(context.Context)) {
	if !le.cfg.LeaderElectionEnabled {
		le.setLeader(true, le.now())
		onStartedLeading(ctx)
		le.setLeader(false, time.Time{})
		return
	}

	var (
		cancelLeading context.CancelFunc
		done          chan struct{}
	)
	stopLeading := func() {
		if cancelLeading == nil {
			return
		}
		cancelLeading()
		<-done
		cancelLeading = nil
		le.setLeader(false, time.Time{})
		le.logger.Info("stopped leading", "identity", le.cfg.Identity, "lease", le.cfg.LeaseName)
	}

	ticker := time.NewTicker(le.cfg.RetryPeriod)
	defer ticker.Stop()
	for {
		ok, err := le.TryAcquire(ctx)
		now := le.now()
		switch {
		case err != nil:
			le.logger.Warn("lease attempt failed", "lease", le.cfg.LeaseName, "error", err)
			if cancelLeading != nil && now.Sub(le.lastRenewal()) > le.cfg.LeaseDuration {
				stopLeading()
			}
		case ok && cancelLeading == nil:
			le.setLeader(true, now)
			le.logger.Info("started leading", "identity", le.cfg.Identity, "lease", le.cfg.LeaseName)
			var leadCtx context.Context
			leadCtx, cancelLeading = context.WithCancel(ctx)
			done = make(chan struct{})
			go func() {
				defer close(done)
				onStartedLeading(leadCtx)
			}()
		case ok:
			le.setLeader(true, now)
		case cancelLeading != nil:
			stopLeading()
		}

		select {
		case <-ctx.Done():
			stopLeading()
			if err := le.Release(context.WithoutCancel(ctx)); err != nil {
				le.logger.Warn("lease release failed", "error", err)
			}
			return
		case <-ticker.C:
		}
	}
}

func (le *LeaderElector) setLeader(leader bool, renewed time.Time) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.isLeader = leader
	le.lastRenew = renewed
}

func (le *LeaderElector) lastRenewal() time.Time {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.lastRenew
}
