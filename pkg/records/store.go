package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionMismatch is returned by UpdateFields when the record changed
// since it was read.
var ErrVersionMismatch = errors.New("record version mismatch")

// Store is the authoritative database-backed copy of the shared dataset.
// It satisfies RemoteStore so a server can read its own database through the
// same path an edge node uses for a remote server.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// AutoMigrate creates or updates the static_records table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&StaticRecord{})
}

// Fetch returns the records of entityType matching q, ordered by id.
func (s *Store) Fetch(ctx context.Context, entityType string, q Query) ([]StaticRecord, error) {
	query := s.db.WithContext(ctx).Model(&StaticRecord{})
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if q.ID != "" {
		query = query.Where("id = ?", q.ID)
	}

	var recs []StaticRecord
	if err := query.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	return Filter(recs, entityType, q), nil
}

// Get retrieves a record by id. Returns nil, nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*StaticRecord, error) {
	var rec StaticRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &rec, nil
}

// Upsert creates or replaces a record. Used for seeding and snapshot import;
// corrections go through UpdateFields.
func (s *Store) Upsert(ctx context.Context, rec *StaticRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"entity_type", "fields", "version", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// UpdateFields replaces the record's fields and bumps its version, but only
// if the stored version still equals expectedVersion.
func (s *Store) UpdateFields(ctx context.Context, id string, expectedVersion int64, fields JSONAny, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&StaticRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"fields":     fields,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("update record fields: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("update record %s: %w", id, ErrVersionMismatch)
	}
	return expectedVersion + 1, nil
}

// Count returns the number of records of the given type ("" for all).
func (s *Store) Count(ctx context.Context, entityType string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&StaticRecord{})
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
