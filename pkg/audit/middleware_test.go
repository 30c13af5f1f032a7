package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudirectory/edusync/pkg/account"
)

func serve(t *testing.T, h http.Handler, method, path string, ctx context.Context) int {
	t.Helper()
	req := httptest.NewRequest(method, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddlewareRecordsOperatorRequests(t *testing.T) {
	trail := newTestTrail(t)
	handler := Middleware(trail, DefaultAuditConfig(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	ctx := account.WithAccount(context.Background(), account.Account{ID: "ops-1", Role: account.RoleReviewer})

	assert.Equal(t, http.StatusAccepted, serve(t, handler, http.MethodPost, "/api/v1/queue/process?limit=5", ctx))
	assert.Equal(t, http.StatusAccepted, serve(t, handler, http.MethodPost, "/api/v1/refresh/university?force=true", ctx))

	recs, _, total, err := trail.List(context.Background(), ListFilter{Action: ActionOperatorRequest}, 10, "")
	require.NoError(t, err)
	require.Equal(t, 2, total)
	for _, rec := range recs {
		assert.Equal(t, "ops-1", rec.Actor)
		assert.Equal(t, OutcomeSuccess, rec.Outcome)
	}
	verbs := []any{recs[0].Metadata["verb"], recs[1].Metadata["verb"]}
	assert.ElementsMatch(t, []any{"process-batch", "refresh"}, verbs)
}

func TestMiddlewareSkipsOtherRequests(t *testing.T) {
	trail := newTestTrail(t)
	handler := Middleware(trail, DefaultAuditConfig(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ctx := context.Background()

	serve(t, handler, http.MethodGet, "/api/v1/queue/stats", ctx)
	serve(t, handler, http.MethodPost, "/api/v1/submissions", ctx)
	serve(t, handler, http.MethodGet, "/livez", ctx)

	_, _, total, err := trail.List(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestMiddlewareDeniedAndDisabled(t *testing.T) {
	trail := newTestTrail(t)
	forbidden := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	ctx := context.Background()

	quiet := Middleware(trail, &AuditConfig{Enabled: true, LogDenied: false}, nil)(forbidden)
	assert.Equal(t, http.StatusForbidden, serve(t, quiet, http.MethodPost, "/api/v1/queue/process", ctx))

	off := Middleware(trail, &AuditConfig{Enabled: false}, nil)(forbidden)
	serve(t, off, http.MethodPost, "/api/v1/queue/process", ctx)

	_, _, total, err := trail.List(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	loud := Middleware(trail, DefaultAuditConfig(), nil)(forbidden)
	serve(t, loud, http.MethodPost, "/api/v1/queue/process", ctx)
	recs, _, _, err := trail.List(ctx, ListFilter{}, 10, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeDenied, recs[0].Outcome)
	assert.Equal(t, "anonymous", recs[0].Actor)
}

func TestOperatorAction(t *testing.T) {
	tests := []struct {
		method, path string
		want         string
		ok           bool
	}{
		{http.MethodPost, "/api/v1/queue/process", "process-batch", true},
		{http.MethodPost, "/api/v1/refresh/deadline", "refresh", true},
		{http.MethodGet, "/api/v1/queue/process", "", false},
		{http.MethodPost, "/api/v1/queue/jobs/j1:cancel", "", false},
		{http.MethodPost, "/livez", "", false},
	}
	for _, tt := range tests {
		got, ok := operatorAction(tt.method, tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("operatorAction(%s %s) = %q,%v want %q,%v", tt.method, tt.path, got, ok, tt.want, tt.ok)
		}
	}
	if got := resourceID("/api/v1/refresh/university"); got != "university" {
		t.Errorf("resourceID = %q", got)
	}
}
