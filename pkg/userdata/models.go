// Package userdata is the per-account store: correction submissions, trust
// profiles and submission statistics. Reads that take an account id only
// ever see that account's rows.
package userdata

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionStatus is the review status of a correction.
type SubmissionStatus string

const (
	StatusPending      SubmissionStatus = "pending"
	StatusAutoApproved SubmissionStatus = "auto_approved"
	StatusApproved     SubmissionStatus = "approved"
	StatusRejected     SubmissionStatus = "rejected"
	StatusFailed       SubmissionStatus = "failed"
)

// Accepted reports whether the submission may be applied.
func (s SubmissionStatus) Accepted() bool {
	return s == StatusAutoApproved || s == StatusApproved
}

// Trust level bounds.
const (
	MinTrustLevel = 0
	MaxTrustLevel = 5
)

// FieldDiff is one proposed field change. Baseline is the value the
// submission was evaluated against; the change is only applied while the
// record still holds it.
type FieldDiff struct {
	Field    string `json:"field"`
	Baseline any    `json:"baseline"`
	Proposed any    `json:"proposed"`
}

// FieldDiffs is a custom GORM type for []FieldDiff stored as JSON.
type FieldDiffs []FieldDiff

// Scan implements the sql.Scanner interface for FieldDiffs.
func (d *FieldDiffs) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for FieldDiffs: %T", value)
	}
	return json.Unmarshal(bytes, d)
}

// Value implements the driver.Valuer interface for FieldDiffs.
func (d FieldDiffs) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Submission is the GORM model for a user-submitted data correction.
type Submission struct {
	ID           string           `gorm:"primaryKey;column:id;type:varchar(36)"`
	SubmitterID  string           `gorm:"column:submitter_id;index:idx_sub_submitter_time,priority:1;not null"`
	EntityType   string           `gorm:"column:entity_type;not null"`
	EntityID     string           `gorm:"column:entity_id;index:idx_sub_entity;not null"`
	FieldDiffs   FieldDiffs       `gorm:"column:field_diffs;type:text;not null"`
	Evidence     string           `gorm:"column:evidence"`
	Note         string           `gorm:"column:note"`
	Status       SubmissionStatus `gorm:"column:status;index:idx_sub_status;not null;default:pending"`
	DecisionRule string           `gorm:"column:decision_rule"`
	ReviewedBy   string           `gorm:"column:reviewed_by"`
	ReviewNote   string           `gorm:"column:review_note"`
	CreatedAt    time.Time        `gorm:"column:created_at;index:idx_sub_submitter_time,priority:2;not null"`
	ReviewedAt   *time.Time       `gorm:"column:reviewed_at"`
	AppliedAt    *time.Time       `gorm:"column:applied_at"`
}

// TableName returns the GORM table name.
func (Submission) TableName() string { return "submissions" }

// IsTerminal reports whether the submission can no longer change status.
// An accepted submission becomes terminal once it has been applied.
func (s *Submission) IsTerminal() bool {
	switch s.Status {
	case StatusRejected, StatusFailed:
		return true
	case StatusAutoApproved, StatusApproved:
		return s.AppliedAt != nil
	}
	return false
}

// HasEvidence reports whether supporting evidence was attached.
func (s *Submission) HasEvidence() bool {
	return s.Evidence != ""
}

// TrustProfile is the GORM model for a submitter's accuracy history.
type TrustProfile struct {
	SubmitterID   string    `gorm:"primaryKey;column:submitter_id;type:varchar(128)"`
	TrustLevel    int       `gorm:"column:trust_level;not null;default:0"`
	AccurateCount int       `gorm:"column:accurate_count;not null;default:0"`
	TotalCount    int       `gorm:"column:total_count;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (TrustProfile) TableName() string { return "trust_profiles" }

// ClampTrust bounds a trust level to [MinTrustLevel, MaxTrustLevel].
func ClampTrust(level int) int {
	if level < MinTrustLevel {
		return MinTrustLevel
	}
	if level > MaxTrustLevel {
		return MaxTrustLevel
	}
	return level
}

// SubmissionStats summarises one account's submissions.
type SubmissionStats struct {
	Total    int                      `json:"total"`
	ByStatus map[SubmissionStatus]int `json:"byStatus"`
	Applied  int                      `json:"applied"`
}
