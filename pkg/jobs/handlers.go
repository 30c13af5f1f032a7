package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edudirectory/edusync/pkg/account"
)

// GetJobHandler handles GET /jobs/{jobId}
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		job, err := store.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}

		writeJSON(w, http.StatusOK, JobToResponse(job))
	}
}

// ListJobsHandler handles GET /jobs
// Query params: entityId, submissionId, state, requestedBy, pageSize, pageToken
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := JobListFilter{
			EntityID:     r.URL.Query().Get("entityId"),
			SubmissionID: r.URL.Query().Get("submissionId"),
			State:        r.URL.Query().Get("state"),
			RequestedBy:  r.URL.Query().Get("requestedBy"),
		}

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          JobsToResponse(records),
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// StatsHandler handles GET /stats
func StatsHandler(sched *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := sched.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load queue stats: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HistoryHandler handles GET /history?limit=
func HistoryHandler(sched *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		history, err := sched.History(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load job history: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": JobsToResponse(history),
		})
	}
}

// ProcessBatchHandler handles POST /process?limit=
// A manual trigger always overrides the processing window.
func ProcessBatchHandler(sched *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		report, err := sched.ProcessBatch(r.Context(), limit, true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to process batch: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// CancelJobHandler handles POST /jobs/{jobId}:cancel
func CancelJobHandler(sched *Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		if err := sched.Cancel(r.Context(), jobID, account.Actor(r.Context(), "operator")); err != nil {
			switch {
			case errors.Is(err, ErrJobNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, ErrInvalidState):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to cancel job: %v", err))
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "canceled",
			"jobId":  jobID,
		})
	}
}

// JobResponse is the API response for a batch job.
type JobResponse struct {
	ID            string `json:"id"`
	SubmissionID  string `json:"submissionId"`
	EntityID      string `json:"entityId"`
	EntityType    string `json:"entityType"`
	State         string `json:"state"`
	Retrying      bool   `json:"retrying,omitempty"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"maxAttempts"`
	ScheduledAt   string `json:"scheduledAt"`
	NextAttemptAt string `json:"nextAttemptAt,omitempty"`
	StartedAt     string `json:"startedAt,omitempty"`
	FinishedAt    string `json:"finishedAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	Message       string `json:"message,omitempty"`
	RequestedBy   string `json:"requestedBy"`
}

// JobToResponse converts a stored job.
func JobToResponse(job *BatchJob) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		SubmissionID: job.SubmissionID,
		EntityID:     job.EntityID,
		EntityType:   job.EntityType,
		State:        string(job.State),
		Retrying:     job.IsRetrying(),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		ScheduledAt:  job.ScheduledAt.Format(time.RFC3339),
		LastError:    job.LastError,
		Message:      job.Message,
		RequestedBy:  job.RequestedBy,
	}
	if job.State == JobStateQueued {
		resp.NextAttemptAt = job.NextAttemptAt.Format(time.RFC3339)
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

// JobsToResponse converts a slice of stored jobs.
func JobsToResponse(jobs []BatchJob) []JobResponse {
	out := make([]JobResponse, len(jobs))
	for i := range jobs {
		out[i] = JobToResponse(&jobs[i])
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
