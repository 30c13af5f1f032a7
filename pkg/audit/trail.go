package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Trail appends and reads audit records.
type Trail struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTrail creates a new Trail.
func NewTrail(db *gorm.DB) *Trail {
	return &Trail{db: db, now: time.Now}
}

// WithTx returns a Trail bound to the given transaction, so a record is
// committed or rolled back together with the change it describes.
func (t *Trail) WithTx(tx *gorm.DB) *Trail {
	return &Trail{db: tx, now: t.now}
}

// AutoMigrate creates or updates the audit_records table.
func (t *Trail) AutoMigrate() error {
	return t.db.AutoMigrate(&Record{})
}

// Append inserts a new record. ID and CreatedAt are assigned when missing.
func (t *Trail) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}
	if rec.Actor == "" {
		rec.Actor = ActorSystem
	}
	if err := t.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Get retrieves a record by id. Returns nil, nil if not found.
func (t *Trail) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := t.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return &rec, nil
}

// List returns records matching filter, newest first, with cursor-based
// pagination. pageToken is the RFC3339Nano creation time of the last record
// of the previous page.
func (t *Trail) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Record, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	base := t.applyFilter(t.db.WithContext(ctx).Model(&Record{}), filter)
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit records: %w", err)
	}

	query := t.applyFilter(t.db.WithContext(ctx), filter).
		Order("created_at DESC").Order("id DESC").
		Limit(pageSize + 1)
	if pageToken != "" {
		ts, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", ts)
	}

	var recs []Record
	if err := query.Find(&recs).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit records: %w", err)
	}

	var nextToken string
	if len(recs) > pageSize {
		nextToken = recs[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		recs = recs[:pageSize]
	}
	return recs, nextToken, int(total), nil
}

// CountByAction returns the number of records per action.
func (t *Trail) CountByAction(ctx context.Context) (map[string]int, error) {
	type row struct {
		Action string
		N      int
	}
	var rows []row
	err := t.db.WithContext(ctx).Model(&Record{}).
		Select("action, COUNT(*) AS n").
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count audit records by action: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Action] = r.N
	}
	return out, nil
}

func (t *Trail) applyFilter(q *gorm.DB, f ListFilter) *gorm.DB {
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.SubmissionID != "" {
		q = q.Where("submission_id = ?", f.SubmissionID)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	return q
}
