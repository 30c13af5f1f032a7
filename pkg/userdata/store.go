package userdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStatusConflict is returned when a submission is no longer in one of the
// statuses a transition expects.
var ErrStatusConflict = errors.New("submission status changed")

const (
	defaultTrustCacheTTL      = 30 * time.Second
	defaultTrustCacheCapacity = 10000
)

// ListFilter selects submissions. An empty SubmitterID lists every account
// and is only used by reviewer tooling.
type ListFilter struct {
	SubmitterID string
	Status      SubmissionStatus
	EntityID    string
	PageSize    int
	PageToken   string
}

// Store persists submissions and trust profiles. Trust reads go through a
// short-lived in-process cache that is dropped whenever a profile changes.
type Store struct {
	db    *gorm.DB
	trust *ttlcache.Cache[string, TrustProfile]
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db: db,
		trust: ttlcache.New(
			ttlcache.WithTTL[string, TrustProfile](defaultTrustCacheTTL),
			ttlcache.WithCapacity[string, TrustProfile](defaultTrustCacheCapacity),
		),
	}
}

// WithTx returns a Store bound to the given transaction. The trust cache is
// shared with the parent.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, trust: s.trust}
}

// AutoMigrate creates or updates the submissions and trust_profiles tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Submission{}, &TrustProfile{})
}

// CreateSubmission inserts a new submission, assigning an id and creation
// time when missing.
func (s *Store) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.Status == "" {
		sub.Status = StatusPending
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a submission by id. Returns nil, nil if not found.
func (s *Store) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	var sub Submission
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &sub, nil
}

// GetSubmissionForAccount retrieves a submission owned by submitterID.
// Another account's submission is reported as not found.
func (s *Store) GetSubmissionForAccount(ctx context.Context, submitterID, id string) (*Submission, error) {
	var sub Submission
	err := s.db.WithContext(ctx).
		Where("id = ? AND submitter_id = ?", id, submitterID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &sub, nil
}

// ListSubmissions returns a page of submissions, newest first. The page
// token is the RFC3339Nano creation time of the last row of the previous
// page.
func (s *Store) ListSubmissions(ctx context.Context, f ListFilter) ([]Submission, string, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(pageSize + 1)
	if f.SubmitterID != "" {
		query = query.Where("submitter_id = ?", f.SubmitterID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", string(f.Status))
	}
	if f.EntityID != "" {
		query = query.Where("entity_id = ?", f.EntityID)
	}
	if f.PageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, f.PageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var subs []Submission
	if err := query.Find(&subs).Error; err != nil {
		return nil, "", fmt.Errorf("list submissions: %w", err)
	}

	var nextToken string
	if len(subs) > pageSize {
		nextToken = subs[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		subs = subs[:pageSize]
	}
	return subs, nextToken, nil
}

// Transition moves a submission to status `to` if it is currently in one of
// `from`. Returns ErrStatusConflict if no row matched.
func (s *Store) Transition(ctx context.Context, id string, from []SubmissionStatus, to SubmissionStatus, reviewer, note string, now time.Time) error {
	froms := make([]string, len(from))
	for i, st := range from {
		froms[i] = string(st)
	}
	updates := map[string]any{"status": string(to)}
	if reviewer != "" {
		updates["reviewed_by"] = reviewer
		updates["review_note"] = note
		updates["reviewed_at"] = now
	}
	result := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ? AND status IN ?", id, froms).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update submission status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("submission %s: %w", id, ErrStatusConflict)
	}
	return nil
}

// MarkApplied stamps the submission as applied.
func (s *Store) MarkApplied(ctx context.Context, id string, now time.Time) error {
	err := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ? AND applied_at IS NULL", id).
		Update("applied_at", now).Error
	if err != nil {
		return fmt.Errorf("mark submission applied: %w", err)
	}
	return nil
}

// UpdateDiffs replaces the submission's field diffs.
func (s *Store) UpdateDiffs(ctx context.Context, id string, diffs FieldDiffs) error {
	err := s.db.WithContext(ctx).Model(&Submission{}).
		Where("id = ?", id).
		Update("field_diffs", diffs).Error
	if err != nil {
		return fmt.Errorf("update submission diffs: %w", err)
	}
	return nil
}

// Stats summarises the submissions of one account.
func (s *Store) Stats(ctx context.Context, submitterID string) (SubmissionStats, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Submission{}).
		Select("status, COUNT(*) AS n").
		Where("submitter_id = ?", submitterID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return SubmissionStats{}, fmt.Errorf("submission stats: %w", err)
	}

	stats := SubmissionStats{ByStatus: make(map[SubmissionStatus]int)}
	for _, r := range rows {
		stats.ByStatus[SubmissionStatus(r.Status)] = r.N
		stats.Total += r.N
	}

	var applied int64
	err = s.db.WithContext(ctx).Model(&Submission{}).
		Where("submitter_id = ? AND applied_at IS NOT NULL", submitterID).
		Count(&applied).Error
	if err != nil {
		return SubmissionStats{}, fmt.Errorf("count applied submissions: %w", err)
	}
	stats.Applied = int(applied)
	return stats, nil
}

// GetTrust returns the submitter's trust profile. A submitter with no
// history has level 0.
func (s *Store) GetTrust(ctx context.Context, submitterID string) (TrustProfile, error) {
	if item := s.trust.Get(submitterID); item != nil {
		return item.Value(), nil
	}
	p, err := s.loadTrust(ctx, submitterID)
	if err != nil {
		return TrustProfile{}, err
	}
	s.trust.Set(submitterID, p, ttlcache.DefaultTTL)
	return p, nil
}

func (s *Store) loadTrust(ctx context.Context, submitterID string) (TrustProfile, error) {
	var p TrustProfile
	if err := s.db.WithContext(ctx).First(&p, "submitter_id = ?", submitterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TrustProfile{SubmitterID: submitterID}, nil
		}
		return TrustProfile{}, fmt.Errorf("get trust profile: %w", err)
	}
	return p, nil
}

// SetTrust overwrites a submitter's trust level, clamped to the valid range.
func (s *Store) SetTrust(ctx context.Context, submitterID string, level int, now time.Time) error {
	p := TrustProfile{SubmitterID: submitterID, TrustLevel: ClampTrust(level), UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submitter_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"trust_level", "updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return fmt.Errorf("set trust profile: %w", err)
	}
	s.ForgetTrust(submitterID)
	return nil
}

// RecordOutcome counts one reviewed submission against the submitter. An
// accurate outcome also raises the trust level by one, up to MaxTrustLevel.
// The update is a single statement so concurrent outcomes are not lost.
func (s *Store) RecordOutcome(ctx context.Context, submitterID string, accurate bool, now time.Time) (TrustProfile, error) {
	seed := TrustProfile{SubmitterID: submitterID, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error
	if err != nil {
		return TrustProfile{}, fmt.Errorf("seed trust profile: %w", err)
	}

	updates := map[string]any{
		"total_count": gorm.Expr("total_count + 1"),
		"updated_at":  now,
	}
	if accurate {
		updates["accurate_count"] = gorm.Expr("accurate_count + 1")
		updates["trust_level"] = gorm.Expr("CASE WHEN trust_level >= ? THEN ? ELSE trust_level + 1 END", MaxTrustLevel, MaxTrustLevel)
	}
	err = s.db.WithContext(ctx).Model(&TrustProfile{}).
		Where("submitter_id = ?", submitterID).
		Updates(updates).Error
	if err != nil {
		return TrustProfile{}, fmt.Errorf("update trust profile: %w", err)
	}
	s.ForgetTrust(submitterID)
	return s.loadTrust(ctx, submitterID)
}

// ForgetTrust drops the cached profile so the next read hits the database.
// Callers that adjust trust inside a transaction call it again after commit.
func (s *Store) ForgetTrust(submitterID string) {
	s.trust.Delete(submitterID)
}
