package review

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/userdata"
)

func newTestRouter(f *fixture) chi.Router {
	r := chi.NewRouter()
	r.Use(account.Middleware(account.HeaderResolver{}))
	r.Mount("/review", Router(f.svc))
	return r
}

func call(t *testing.T, h http.Handler, method, path, acct, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if acct != "" {
		req.Header.Set(account.IDHeader, acct)
	}
	if role != "" {
		req.Header.Set(account.RoleHeader, role)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReviewRoutesRequireReviewer(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := call(t, router, http.MethodGet, "/review/items", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(t, router, http.MethodGet, "/review/items", "acct-1", account.RoleMember, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, router, http.MethodGet, "/review/items", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApproveHandler(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	sub := f.submit(t, userdata.StatusPending, 87, 88)

	w := call(t, router, http.MethodPost, "/review/submissions/"+sub.ID+":approve", "rev-1", account.RoleReviewer, `{"note":"ok"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Submission struct {
			Status     string `json:"status"`
			ReviewedBy string `json:"reviewedBy"`
		} `json:"submission"`
		Job struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "approved", resp.Submission.Status)
	assert.Equal(t, "rev-1", resp.Submission.ReviewedBy)
	assert.Equal(t, "queued", resp.Job.State)

	w = call(t, router, http.MethodPost, "/review/submissions/"+sub.ID+":reject", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRejectHandlerSelfReview(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	sub := f.submit(t, userdata.StatusPending, 87, 88)

	w := call(t, router, http.MethodPost, "/review/submissions/"+sub.ID+":reject", "acct-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, router, http.MethodPost, "/review/submissions/missing:reject", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestItemsHandlerValidatesStatus(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := call(t, router, http.MethodGet, "/review/items?status=applied", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, router, http.MethodGet, "/review/items?limit=0", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequeueHandlerInvalidState(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	sub := f.submit(t, userdata.StatusApproved, 87, 88)
	job, err := f.sched.Enqueue(t.Context(), sub, "rev-1")
	require.NoError(t, err)

	w := call(t, router, http.MethodPost, "/review/jobs/"+job.ID+":requeue", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTrustHandler(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := call(t, router, http.MethodPost, "/review/trust/acct-1", "acct-2", account.RoleMember, `{"level":4}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, router, http.MethodPost, "/review/trust/acct-1", "rev-1", account.RoleReviewer, `{"note":"no level"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, router, http.MethodPost, "/review/trust/acct-1", "rev-1", account.RoleReviewer, `{"level":-3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acct-1", resp["submitterId"])
	assert.Equal(t, 0.0, resp["trustLevel"])

	trust, err := f.users.GetTrust(t.Context(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, userdata.MinTrustLevel, trust.TrustLevel)
}
