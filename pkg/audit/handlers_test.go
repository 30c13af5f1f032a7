package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEventsHandler(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	require.NoError(t, trail.Append(ctx, &Record{Action: ActionRejection, Actor: "reviewer-1", Outcome: OutcomeSuccess}))
	require.NoError(t, trail.Append(ctx, &Record{Action: ActionCascadeApply, Outcome: OutcomeSuccess}))

	srv := httptest.NewServer(Router(trail))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?actor=reviewer-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events    []eventResponse `json:"events"`
		TotalSize int             `json:"totalSize"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.TotalSize)
	require.Len(t, body.Events, 1)
	assert.Equal(t, ActionRejection, body.Events[0].Action)
}

func TestGetEventHandler(t *testing.T) {
	trail := newTestTrail(t)
	rec := &Record{Action: ActionConflict, Outcome: OutcomeFailure, Reason: "cutoff changed"}
	require.NoError(t, trail.Append(context.Background(), rec))

	srv := httptest.NewServer(Router(trail))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/" + rec.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got eventResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "cutoff changed", got.Reason)

	resp2, err := http.Get(srv.URL + "/events/missing")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestRouterHasNoWriteRoutes(t *testing.T) {
	srv := httptest.NewServer(Router(newTestTrail(t)))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/events/x", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
