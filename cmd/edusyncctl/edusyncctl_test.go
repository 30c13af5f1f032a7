package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/submissions"
)

func TestClientSendsIdentityHeaders(t *testing.T) {
	var gotAccount, gotRole, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = r.Header.Get(account.IDHeader)
		gotRole = r.Header.Get(account.RoleHeader)
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"queued":2,"total":2}`))
	}))
	defer srv.Close()

	client := &edusyncClient{baseURL: srv.URL, account: "rev-1", role: account.RoleReviewer, http: srv.Client()}
	var stats struct {
		Queued int `json:"queued"`
	}
	require.NoError(t, client.getJSON(apiPath("/queue/stats"), &stats))
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, "rev-1", gotAccount)
	assert.Equal(t, account.RoleReviewer, gotRole)
	assert.Equal(t, "/api/v1/queue/stats", gotPath)
}

func TestClientAnonymousOmitsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header[http.CanonicalHeaderKey(account.IDHeader)]
		assert.False(t, ok)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &edusyncClient{baseURL: srv.URL, http: srv.Client()}
	require.NoError(t, client.postJSON("/anything", nil, nil))
}

func TestClientErrorIncludesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"refresh skipped"}`))
	}))
	defer srv.Close()

	client := &edusyncClient{baseURL: srv.URL, http: srv.Client()}
	err := client.postJSON(apiPath("/refresh/university"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "retry after 12s")
	assert.Contains(t, err.Error(), "refresh skipped")
}

func TestClientPostsJSONBody(t *testing.T) {
	var got submissions.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"jobId":"job-1"}`))
	}))
	defer srv.Close()

	req, err := buildSubmission("uni-1", "university", []string{"cutoff=88"}, []string{"cutoff=87"}, "https://example.edu/merit", "")
	require.NoError(t, err)

	client := &edusyncClient{baseURL: srv.URL, account: "acct-1", http: srv.Client()}
	var resp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, client.postJSON(apiPath("/submissions"), req, &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "uni-1", got.EntityID)
	require.Len(t, got.Changes, 1)
	assert.Equal(t, 88.0, got.Changes[0].Proposed)
	assert.Equal(t, 87.0, got.Changes[0].Baseline)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 88.5, parseValue("88.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Nil(t, parseValue("null"))
	assert.Equal(t, "Lahore", parseValue("Lahore"))
}

func TestBuildSubmissionValidation(t *testing.T) {
	_, err := buildSubmission("uni-1", "", nil, nil, "", "")
	assert.Error(t, err)

	_, err = buildSubmission("uni-1", "", []string{"cutoff"}, nil, "", "")
	assert.Error(t, err)

	_, err = buildSubmission("uni-1", "", []string{"cutoff=88"}, []string{"city=Lahore"}, "", "")
	assert.Error(t, err)

	req, err := buildSubmission("uni-1", "", []string{"city=Karachi", "cutoff=88", "city=Lahore"}, nil, "", "note")
	require.NoError(t, err)
	require.Len(t, req.Changes, 2)
	assert.Equal(t, "city", req.Changes[0].Field)
	assert.Equal(t, "Lahore", req.Changes[0].Proposed)
	assert.Nil(t, req.Changes[0].Baseline)
	assert.Equal(t, "note", req.Note)
}

func TestSearchValues(t *testing.T) {
	v, err := searchValues("deadline", "fall", []string{"programId=prog-1"}, 5, true)
	require.NoError(t, err)
	assert.Equal(t, "deadline", v.Get("type"))
	assert.Equal(t, "fall", v.Get("q"))
	assert.Equal(t, "prog-1", v.Get("programId"))
	assert.Equal(t, "5", v.Get("limit"))
	assert.Equal(t, "true", v.Get("sync"))

	v, err = searchValues("", "", nil, 0, false)
	require.NoError(t, err)
	assert.Empty(t, v.Encode())

	_, err = searchValues("", "", []string{"=x"}, 0, false)
	assert.Error(t, err)
}

func TestBuildSnapshotMergesCSVOverBase(t *testing.T) {
	base := []records.StaticRecord{
		{ID: "uni-lums", EntityType: records.EntityUniversity, Fields: records.JSONAny{"name": "Old LUMS"}, Version: 1},
		{ID: "prog-1", EntityType: records.EntityProgram, Fields: records.JSONAny{"name": "BSCS"}, Version: 1},
	}
	csv := "university_name,logo_url,city\nLUMS,https://example.edu/logo.png,Lahore\nNUST,data:image/png,Islamabad\n"
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	snap, err := buildSnapshot(strings.NewReader(csv), base, "universities.csv", now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T10:00:00Z", snap.GeneratedAt)
	assert.Equal(t, "universities.csv", snap.Source)
	require.Len(t, snap.Records, 3)

	ids := []string{snap.Records[0].ID, snap.Records[1].ID, snap.Records[2].ID}
	assert.Equal(t, []string{"prog-1", "uni-lums", "uni-nust"}, ids)
	assert.Equal(t, "LUMS", snap.Records[1].Fields["name"])
}

func TestBuildSnapshotRejectsMissingHeader(t *testing.T) {
	_, err := buildSnapshot(strings.NewReader(""), nil, "empty.csv", time.Now())
	assert.Error(t, err)
}

func TestQueueStatsCommand(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/api/v1/queue/stats", r.URL.Path)
		assert.Equal(t, "acct-1", r.Header.Get(account.IDHeader))
		w.Write([]byte(`{"queued":1,"completed":3,"total":4}`))
	}))
	defer srv.Close()

	rootCmd.SetArgs([]string{"queue", "stats", "--server", srv.URL, "--account", "acct-1", "-o", "json"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, 1, hits)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
