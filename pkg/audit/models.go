// Package audit is the append-only record of every approval decision,
// cascade apply, rejection, conflict and failure. It is the only source
// for downstream reporting. The package exposes no update or delete.
package audit

import (
	"time"

	"github.com/edudirectory/edusync/pkg/records"
)

// Actions.
const (
	ActionSubmissionReceived   = "submission_received"
	ActionAutoApprovalDecision = "auto_approval_decision"
	ActionCascadeApply         = "cascade_apply"
	ActionRejection            = "rejection"
	ActionManualApproval       = "manual_approval"
	ActionConflict             = "conflict"
	ActionApplyFailure         = "apply_failure"
	ActionRequeue              = "requeue"
	ActionJobCanceled          = "job_canceled"
	ActionOperatorRequest      = "operator_request"
	ActionTrustOverride        = "trust_override"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomePending = "pending"
)

// Actor used for decisions taken by the service itself.
const ActorSystem = "system"

// Record is the GORM model for an audit record.
type Record struct {
	ID           string          `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Actor        string          `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null" json:"actor"`
	Action       string          `gorm:"column:action;index:idx_audit_action_time,priority:1;not null" json:"action"`
	EntityType   string          `gorm:"column:entity_type" json:"entityType,omitempty"`
	EntityID     string          `gorm:"column:entity_id;index:idx_audit_entity_time,priority:1" json:"entityId,omitempty"`
	SubmissionID string          `gorm:"column:submission_id;index" json:"submissionId,omitempty"`
	JobID        string          `gorm:"column:job_id;index" json:"jobId,omitempty"`
	Outcome      string          `gorm:"column:outcome;not null" json:"outcome"`
	Reason       string          `gorm:"column:reason" json:"reason,omitempty"`
	Before       records.JSONAny `gorm:"column:before_value;type:text" json:"before,omitempty"`
	After        records.JSONAny `gorm:"column:after_value;type:text" json:"after,omitempty"`
	Metadata     records.JSONAny `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at;index:idx_audit_actor_time,priority:2;index:idx_audit_action_time,priority:2;index:idx_audit_entity_time,priority:2;not null" json:"createdAt"`
}

// TableName returns the GORM table name.
func (Record) TableName() string { return "audit_records" }

// ListFilter selects audit records. Empty fields match everything.
type ListFilter struct {
	Actor        string
	Action       string
	EntityID     string
	SubmissionID string
	JobID        string
}
