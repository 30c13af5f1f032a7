package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/submissions"
	"github.com/edudirectory/edusync/pkg/userdata"
)

type decisionBody struct {
	Note string `json:"note"`
}

type trustBody struct {
	Level *int   `json:"level"`
	Note  string `json:"note"`
}

// ItemsHandler handles GET /review/items?status=&limit=
func ItemsHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", string(userdata.StatusPending), string(jobs.JobStateConflict), string(jobs.JobStateFailed):
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("status must be pending, conflict or failed, got %q", status))
			return
		}
		limit := 0
		if l := r.URL.Query().Get("limit"); l != "" {
			v, err := strconv.Atoi(l)
			if err != nil || v < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = v
		}

		q, err := svc.Items(r.Context(), status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load review items: %v", err))
			return
		}
		pending := make([]submissions.SubmissionResponse, len(q.Pending))
		for i := range q.Pending {
			pending[i] = submissions.SubmissionToResponse(&q.Pending[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pending":   pending,
			"conflicts": jobs.JobsToResponse(q.Conflicts),
			"failed":    jobs.JobsToResponse(q.Failed),
		})
	}
}

// ApproveHandler handles POST /review/submissions/{id}:approve
func ApproveHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		sub, job, err := svc.Approve(r.Context(), chi.URLParam(r, "id"), account.IDFromContext(r.Context()), body.Note)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submission": submissions.SubmissionToResponse(sub),
			"job":        jobs.JobToResponse(job),
		})
	}
}

// RejectHandler handles POST /review/submissions/{id}:reject
func RejectHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		sub, err := svc.Reject(r.Context(), chi.URLParam(r, "id"), account.IDFromContext(r.Context()), body.Note)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submission": submissions.SubmissionToResponse(sub),
		})
	}
}

// RequeueHandler handles POST /review/jobs/{jobId}:requeue
func RequeueHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Requeue(r.Context(), chi.URLParam(r, "jobId"), account.IDFromContext(r.Context()))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs.JobToResponse(job))
	}
}

// TrustHandler handles POST /review/trust/{submitterId}
func TrustHandler(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body trustBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Level == nil {
			writeError(w, http.StatusBadRequest, "level is required")
			return
		}
		p, err := svc.SetTrust(r.Context(), chi.URLParam(r, "submitterId"), *body.Level,
			account.IDFromContext(r.Context()), body.Note)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submitterId":   p.SubmitterID,
			"trustLevel":    p.TrustLevel,
			"accurateCount": p.AccurateCount,
			"totalCount":    p.TotalCount,
		})
	}
}

// decodeBody reads the optional {"note": ...} body.
func decodeBody(w http.ResponseWriter, r *http.Request) (decisionBody, bool) {
	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return body, false
	}
	return body, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSelfReview):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, userdata.ErrStatusConflict), errors.Is(err, jobs.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
