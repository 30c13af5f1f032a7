package jobs

import (
	"time"
)

// JobState represents the lifecycle state of a batch job.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateConflict   JobState = "conflict"
	JobStateCanceled   JobState = "canceled"
)

// TerminalStates lists the states a job never leaves on its own.
var TerminalStates = []JobState{JobStateCompleted, JobStateFailed, JobStateConflict, JobStateCanceled}

// BatchJob is the GORM model for one pending application of an accepted
// submission. A queued job with Attempts > 0 is waiting for a retry at
// NextAttemptAt.
type BatchJob struct {
	ID            string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	SubmissionID  string     `gorm:"column:submission_id;uniqueIndex:idx_job_submission;not null"`
	EntityID      string     `gorm:"column:entity_id;index:idx_job_entity_state,priority:1;not null"`
	EntityType    string     `gorm:"column:entity_type;not null"`
	State         JobState   `gorm:"column:state;index:idx_job_entity_state,priority:2;index:idx_job_state_sched,priority:1;not null;default:queued"`
	Attempts      int        `gorm:"column:attempts;default:0"`
	MaxAttempts   int        `gorm:"column:max_attempts;not null"`
	ScheduledAt   time.Time  `gorm:"column:scheduled_at;index:idx_job_state_sched,priority:2;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	StartedAt     *time.Time `gorm:"column:started_at"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
	LastError     string     `gorm:"column:last_error"`
	Message       string     `gorm:"column:message"`
	RequestedBy   string     `gorm:"column:requested_by;not null"`
}

// TableName returns the GORM table name.
func (BatchJob) TableName() string { return "batch_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *BatchJob) IsTerminal() bool {
	for _, s := range TerminalStates {
		if j.State == s {
			return true
		}
	}
	return false
}

// IsRetrying reports whether the job is queued after a failed attempt.
func (j *BatchJob) IsRetrying() bool {
	return j.State == JobStateQueued && j.Attempts > 0
}

// QueueStats counts jobs per state.
type QueueStats struct {
	Queued     int `json:"queued"`
	Retrying   int `json:"retrying"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Conflict   int `json:"conflict"`
	Canceled   int `json:"canceled"`
	Total      int `json:"total"`
}
