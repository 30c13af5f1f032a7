package submissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// maxBodyBytes bounds a submission request body.
const maxBodyBytes = 64 << 10

// SubmitHandler handles POST /submissions
func SubmitHandler(intake *Intake) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		normalizeNumbers(&req)
		req.SubmitterID = account.IDFromContext(r.Context())

		receipt, err := intake.Submit(r.Context(), req)
		if err != nil {
			var rl *RateLimitError
			switch {
			case IsValidation(err):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.As(err, &rl):
				w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to submit: %v", err))
			}
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"submission": SubmissionToResponse(receipt.Submission),
			"decision":   receipt.Decision,
			"jobId":      receipt.JobID,
		})
	}
}

// GetSubmissionHandler handles GET /submissions/{id}. Accounts only see
// their own submissions; reviewers see all.
func GetSubmissionHandler(users *userdata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acct, _ := account.FromContext(r.Context())

		var (
			sub *userdata.Submission
			err error
		)
		if acct.IsReviewer() {
			sub, err = users.GetSubmission(r.Context(), id)
		} else {
			sub, err = users.GetSubmissionForAccount(r.Context(), acct.ID, id)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get submission: %v", err))
			return
		}
		if sub == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("submission %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, SubmissionToResponse(sub))
	}
}

// ListMineHandler handles GET /me/submissions?status=&pageSize=&pageToken=
func ListMineHandler(users *userdata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		subs, next, err := users.ListSubmissions(r.Context(), userdata.ListFilter{
			SubmitterID: account.IDFromContext(r.Context()),
			Status:      userdata.SubmissionStatus(r.URL.Query().Get("status")),
			PageSize:    pageSize,
			PageToken:   r.URL.Query().Get("pageToken"),
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list submissions: %v", err))
			return
		}
		out := make([]SubmissionResponse, len(subs))
		for i := range subs {
			out[i] = SubmissionToResponse(&subs[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submissions":   out,
			"nextPageToken": next,
		})
	}
}

// TrustHandler handles GET /me/trust
func TrustHandler(users *userdata.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := account.IDFromContext(r.Context())
		trust, err := users.GetTrust(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load trust profile: %v", err))
			return
		}
		stats, err := users.Stats(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load submission stats: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submitterId":   id,
			"trustLevel":    trust.TrustLevel,
			"accurateCount": trust.AccurateCount,
			"totalCount":    trust.TotalCount,
			"submissions":   stats,
		})
	}
}

// SubmissionResponse is the API view of a submission. Evidence is reduced
// to a flag.
type SubmissionResponse struct {
	ID           string               `json:"id"`
	SubmitterID  string               `json:"submitterId"`
	EntityType   string               `json:"entityType"`
	EntityID     string               `json:"entityId"`
	FieldDiffs   []userdata.FieldDiff `json:"fieldDiffs"`
	HasEvidence  bool                 `json:"hasEvidence"`
	Note         string               `json:"note,omitempty"`
	Status       string               `json:"status"`
	DecisionRule string               `json:"decisionRule,omitempty"`
	ReviewedBy   string               `json:"reviewedBy,omitempty"`
	ReviewNote   string               `json:"reviewNote,omitempty"`
	CreatedAt    string               `json:"createdAt"`
	ReviewedAt   string               `json:"reviewedAt,omitempty"`
	AppliedAt    string               `json:"appliedAt,omitempty"`
}

// SubmissionToResponse converts a stored submission.
func SubmissionToResponse(s *userdata.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		ID:           s.ID,
		SubmitterID:  s.SubmitterID,
		EntityType:   s.EntityType,
		EntityID:     s.EntityID,
		FieldDiffs:   s.FieldDiffs,
		HasEvidence:  s.HasEvidence(),
		Note:         s.Note,
		Status:       string(s.Status),
		DecisionRule: s.DecisionRule,
		ReviewedBy:   s.ReviewedBy,
		ReviewNote:   s.ReviewNote,
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
	}
	if s.ReviewedAt != nil {
		resp.ReviewedAt = s.ReviewedAt.Format(time.RFC3339)
	}
	if s.AppliedAt != nil {
		resp.AppliedAt = s.AppliedAt.Format(time.RFC3339)
	}
	return resp
}

// normalizeNumbers turns json.Number values into float64 so they compare
// and persist like any other decoded number.
func normalizeNumbers(req *Request) {
	conv := func(v any) any {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return f
			}
			return n.String()
		}
		return v
	}
	for i := range req.Changes {
		req.Changes[i].Proposed = conv(req.Changes[i].Proposed)
		req.Changes[i].Baseline = conv(req.Changes[i].Baseline)
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
