package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/userdata"
)

func TestGetJobHandler(t *testing.T) {
	f := newSchedFixture(t, nil)
	job, err := f.sched.Enqueue(t.Context(), f.submit(t, "uni-1", userdata.StatusAutoApproved), "acct-1")
	require.NoError(t, err)

	r := Router(f.sched, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.ID)
	assert.Equal(t, "queued", resp.State)
	assert.Equal(t, "uni-1", resp.EntityID)
	assert.NotEmpty(t, resp.NextAttemptAt)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsHandlerFilters(t *testing.T) {
	f := newSchedFixture(t, nil)
	for _, id := range []string{"uni-1", "uni-2"} {
		_, err := f.sched.Enqueue(t.Context(), f.submit(t, id, userdata.StatusAutoApproved), "acct-1")
		require.NoError(t, err)
	}

	w := httptest.NewRecorder()
	Router(f.sched, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs?entityId=uni-2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs      []JobResponse `json:"jobs"`
		TotalSize int           `json:"totalSize"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalSize)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "uni-2", resp.Jobs[0].EntityID)
}

func TestProcessStatsAndHistoryHandlers(t *testing.T) {
	f := newSchedFixture(t, nil)
	f.sched.cfg.WindowStart = "01:00"
	f.sched.cfg.WindowEnd = "01:01"
	_, err := f.sched.Enqueue(t.Context(), f.submit(t, "uni-1", userdata.StatusAutoApproved), "acct-1")
	require.NoError(t, err)
	r := Router(f.sched, nil)

	// Manual trigger ignores the window.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/process?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var report BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Completed)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Completed)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Jobs []JobResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Jobs, 1)
	assert.Equal(t, "completed", hist.Jobs[0].State)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJobHandler(t *testing.T) {
	f := newSchedFixture(t, nil)
	job, err := f.sched.Enqueue(t.Context(), f.submit(t, "uni-1", userdata.StatusAutoApproved), "acct-1")
	require.NoError(t, err)
	r := Router(f.sched, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+":cancel", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+":cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/missing:cancel", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperatorGuard(t *testing.T) {
	f := newSchedFixture(t, nil)
	r := Router(f.sched, account.RequireReviewer)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/process", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/process", nil)
	req = req.WithContext(account.WithAccount(req.Context(), account.Account{ID: "rev-1", Role: account.RoleReviewer}))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
