package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

const migrationLockName = "edusync-migration"

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock and releases it
	// after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a lock for the database dialect: an advisory lock
// on PostgreSQL, a named lock on MySQL and a lock table elsewhere. A nil db
// or a nil/disabled cfg returns a lock that just runs fn.
func NewMigrationLocker(db *gorm.DB, cfg *HAConfig) MigrationLocker {
	if db == nil || (cfg != nil && !cfg.MigrationLockEnabled) {
		return noopMigrationLock{}
	}
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{db: db, lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockName)))}
	case "mysql":
		return &mysqlNamedLock{db: db, name: migrationLockName, timeout: 60}
	}
	lock := &tableMigrationLock{
		db:            db,
		holder:        cfg.Identity,
		retries:       max(cfg.MigrationLockRetries, 1),
		retryInterval: time.Second,
		staleAfter:    5 * time.Minute,
	}
	// Created up front so concurrent first callers never see a missing table.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return lock
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error { return fn() }

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// mysqlNamedLock uses GET_LOCK, which is held by the session, so the work
// runs on a single pinned connection.
type mysqlNamedLock struct {
	db      *gorm.DB
	name    string
	timeout int
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got int
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", l.name, l.timeout).Scan(&got).Error; err != nil {
			return fmt.Errorf("acquire migration named lock: %w", err)
		}
		if got != 1 {
			return fmt.Errorf("acquire migration named lock: timed out after %ds", l.timeout)
		}
		defer func() {
			_ = conn.Exec("SELECT RELEASE_LOCK(?)", l.name).Error
		}()
		return fn()
	})
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "edusync_migration_lock" }

// tableMigrationLock relies on the primary key: only one insert of the lock
// row succeeds. Rows older than staleAfter are assumed to belong to a
// crashed holder and are removed.
type tableMigrationLock struct {
	db            *gorm.DB
	holder        string
	retries       int
	retryInterval time.Duration
	staleAfter    time.Duration
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := range l.retries {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockName, time.Now().UTC().Add(-l.staleAfter)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now().UTC(), LockedBy: l.holder}
		lastErr = l.db.WithContext(ctx).Create(&row).Error
		if lastErr == nil {
			break
		}
		if i == l.retries-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", l.retries, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	defer func() {
		l.db.Where("id = ?", migrationLockName).Delete(&migrationLockRecord{})
	}()
	return fn()
}
