package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/config"
	"github.com/edudirectory/edusync/pkg/pipeline"
	"github.com/edudirectory/edusync/pkg/records"
)

const rulesYAML = `
rules:
  - id: small-cutoff-fix
    priority: 10
    entityTypes: [university]
    minTrust: 0
    requireEvidence: true
    maxChangePercent: 5
`

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	dir := t.TempDir()
	rules := filepath.Join(dir, "approval-rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(rulesYAML), 0o600))

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(dir, "edusync.db")
	cfg.Approval.RulesPath = rules

	db, err := pipeline.OpenDB(cfg.Database)
	require.NoError(t, err)
	db.Logger = logger.Default.LogMode(logger.Silent)

	p, err := pipeline.Build(db, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(t.Context()))
	_, err = p.Seed(t.Context())
	require.NoError(t, err)

	return NewRouter(p, Options{})
}

func do(t *testing.T, h http.Handler, method, path, acct, role, body string) *httptest.ResponseRecorder {
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

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/livez", "", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/readyz", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status   string            `json:"status"`
		Database map[string]string `json:"database"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "up", body.Database["status"])
}

func TestEntityRoutes(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/v1/entities/uni-1", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
		DataSource string `json:"dataSource"`
	}
	decode(t, w, &res)
	assert.Equal(t, "uni-1", res.Record.ID)
	assert.Equal(t, "remote", res.DataSource)

	w = do(t, r, http.MethodGet, "/api/v1/entities/uni-1?sync=true", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, "cache", res.DataSource)

	w = do(t, r, http.MethodGet, "/api/v1/entities/uni-404?sync=true", "", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	decode(t, w, &res)
	assert.Equal(t, "none", res.DataSource)
}

func TestSearchRoute(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/v1/search?type=university&city=Lahore", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Size       int    `json:"size"`
		DataSource string `json:"dataSource"`
	}
	decode(t, w, &res)
	assert.Equal(t, 2, res.Size)
	assert.Equal(t, "remote", res.DataSource)

	w = do(t, r, http.MethodGet, "/api/v1/search?type=university&limit=1", "", "", "")
	decode(t, w, &res)
	assert.Equal(t, 1, res.Size)

	w = do(t, r, http.MethodGet, "/api/v1/search?limit=-1", "", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordsRouteServesHTTPRemote(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t))
	defer srv.Close()

	remote := records.NewHTTPRemote(srv.URL, 0)
	recs, err := remote.Fetch(t.Context(), records.EntityUniversity, records.Query{Filters: map[string]string{"city": "Lahore"}})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = remote.Fetch(t.Context(), "", records.Query{ID: "dl-nust-net"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, records.EntityDeadline, recs[0].EntityType)
}

func TestRefreshRoute(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/refresh/university", "", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, "/api/v1/refresh/university", "", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = do(t, r, http.MethodPost, "/api/v1/refresh/university?force=true", "acct-1", account.RoleMember, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/refresh/university?force=true", "rev-1", account.RoleReviewer, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/refresh/dorms", "", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/refresh/all?force=true", "rev-1", account.RoleReviewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Results []struct {
			EntityType string `json:"entityType"`
		} `json:"results"`
	}
	decode(t, w, &all)
	assert.Len(t, all.Results, 4)
}

func TestSubmissionAndQueueFlow(t *testing.T) {
	r := newTestRouter(t)
	body := `{"entityId":"uni-1","changes":[{"field":"cutoff","proposed":88}],"evidence":"https://pu.edu.pk/merit-list.pdf"}`

	w := do(t, r, http.MethodPost, "/api/v1/submissions", "", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/submissions", "acct-1", account.RoleMember, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var receipt struct {
		Decision struct {
			Status string `json:"status"`
		} `json:"decision"`
		JobID string `json:"jobId"`
	}
	decode(t, w, &receipt)
	assert.Equal(t, "auto_approved", receipt.Decision.Status)
	assert.NotEmpty(t, receipt.JobID)

	w = do(t, r, http.MethodGet, "/api/v1/queue/stats", "acct-1", account.RoleMember, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		Queued int `json:"queued"`
	}
	decode(t, w, &stats)
	assert.Equal(t, 1, stats.Queued)

	w = do(t, r, http.MethodPost, "/api/v1/queue/process", "acct-1", account.RoleMember, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/queue/process", "rev-1", account.RoleReviewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var report struct {
		Completed int `json:"completed"`
	}
	decode(t, w, &report)
	assert.Equal(t, 1, report.Completed)

	w = do(t, r, http.MethodGet, "/api/v1/audit/events?action="+audit.ActionOperatorRequest, "rev-1", account.RoleReviewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Events []struct {
			Actor   string `json:"actor"`
			Outcome string `json:"outcome"`
		} `json:"events"`
	}
	decode(t, w, &events)
	require.Len(t, events.Events, 2)
	outcomes := map[string]string{}
	for _, e := range events.Events {
		outcomes[e.Actor] = e.Outcome
	}
	assert.Equal(t, audit.OutcomeSuccess, outcomes["rev-1"])
	assert.Equal(t, audit.OutcomeDenied, outcomes["acct-1"])

	w = do(t, r, http.MethodGet, "/api/v1/audit/events", "acct-1", account.RoleMember, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/submissions", nil)
	req.Header.Set("Origin", "https://app.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", account.IDHeader)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDownstreamInstanceRejectsWrites(t *testing.T) {
	upstream := httptest.NewServer(newTestRouter(t))
	defer upstream.Close()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "downstream.db")
	cfg.Remote.URL = upstream.URL
	db, err := pipeline.OpenDB(cfg.Database)
	require.NoError(t, err)
	db.Logger = logger.Default.LogMode(logger.Silent)
	p, err := pipeline.Build(db, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Migrate(t.Context()))
	r := NewRouter(p, Options{})

	w := do(t, r, http.MethodGet, "/api/v1/entities/uni-1", "", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var entity map[string]any
	decode(t, w, &entity)
	assert.Equal(t, "remote", entity["dataSource"])

	body := `{"entityId":"uni-1","changes":[{"field":"cutoff","proposed":88}],"evidence":"https://pu.edu.pk/merit.pdf"}`
	w = do(t, r, http.MethodPost, "/api/v1/submissions", "acct-1", account.RoleMember, body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var errBody map[string]string
	decode(t, w, &errBody)
	assert.Equal(t, pipeline.ErrReadOnly.Error(), errBody["error"])

	for _, path := range []string{"/api/v1/queue/stats", "/api/v1/me/trust", "/api/v1/review/items", "/api/v1/records", "/api/v1/entities/uni-1/reminders"} {
		w = do(t, r, http.MethodGet, path, "rev-1", account.RoleReviewer, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w = do(t, r, http.MethodGet, "/readyz", "", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ready map[string]any
	decode(t, w, &ready)
	assert.Equal(t, false, ready["writable"])
}
