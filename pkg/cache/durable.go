package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Durable is the persistent cache tier. Entries written through it must
// survive a process restart.
type Durable interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Remove(ctx context.Context, key string) error
	RemovePrefix(ctx context.Context, prefix string) (int64, error)
}

// CacheEntryRecord is the GORM model for a persisted cache entry.
type CacheEntryRecord struct {
	Key       string    `gorm:"primaryKey;column:cache_key;type:varchar(512)"`
	Payload   []byte    `gorm:"column:payload"`
	FetchedAt time.Time `gorm:"column:fetched_at;not null"`
	TTLMillis int64     `gorm:"column:ttl_ms;not null"`
}

// TableName returns the GORM table name.
func (CacheEntryRecord) TableName() string { return "cache_entries" }

// DBStore is a Durable backed by the service database.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore creates a new DBStore.
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

// WithTx returns a DBStore bound to the given transaction.
func (s *DBStore) WithTx(tx *gorm.DB) *DBStore {
	return &DBStore{db: tx}
}

// AutoMigrate creates or updates the cache_entries table.
func (s *DBStore) AutoMigrate() error {
	return s.db.AutoMigrate(&CacheEntryRecord{})
}

// Get implements Durable.
func (s *DBStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var rec CacheEntryRecord
	if err := s.db.WithContext(ctx).First(&rec, "cache_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return Entry{
		Key:       rec.Key,
		Payload:   rec.Payload,
		FetchedAt: rec.FetchedAt,
		TTL:       time.Duration(rec.TTLMillis) * time.Millisecond,
	}, true, nil
}

// Set implements Durable.
func (s *DBStore) Set(ctx context.Context, e Entry) error {
	rec := CacheEntryRecord{
		Key:       e.Key,
		Payload:   e.Payload,
		FetchedAt: e.FetchedAt,
		TTLMillis: e.TTL.Milliseconds(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "fetched_at", "ttl_ms"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

// Remove implements Durable.
func (s *DBStore) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CacheEntryRecord{}).Error; err != nil {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// RemovePrefix implements Durable.
func (s *DBStore) RemovePrefix(ctx context.Context, prefix string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("cache_key LIKE ? ESCAPE '!'", escapeLike(prefix)+"%").
		Delete(&CacheEntryRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("remove cache prefix: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteExpiredBefore removes entries whose TTL ran out before cutoff.
func (s *DBStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var recs []CacheEntryRecord
	if err := s.db.WithContext(ctx).Select("cache_key", "fetched_at", "ttl_ms").Find(&recs).Error; err != nil {
		return 0, fmt.Errorf("scan cache entries: %w", err)
	}
	var keys []string
	for _, r := range recs {
		if r.FetchedAt.Add(time.Duration(r.TTLMillis) * time.Millisecond).Before(cutoff) {
			keys = append(keys, r.Key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("cache_key IN ?", keys).Delete(&CacheEntryRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)
	return r.Replace(s)
}
