package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRemote reads the shared dataset from another edusync server's
// /api/v1/records endpoint.
type HTTPRemote struct {
	baseURL string
	http    *http.Client
}

// NewHTTPRemote creates a client for the server at baseURL. timeout bounds
// every request; zero means 10 seconds.
func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// recordsResponse is the wire shape of GET /api/v1/records.
type recordsResponse struct {
	Records []StaticRecord `json:"records"`
}

// Fetch implements RemoteStore. Transport failures and 5xx answers are
// reported as ErrNetworkUnavailable.
func (c *HTTPRemote) Fetch(ctx context.Context, entityType string, q Query) ([]StaticRecord, error) {
	values := url.Values{}
	if entityType != "" {
		values.Set("type", entityType)
	}
	if q.ID != "" {
		values.Set("id", q.ID)
	}
	if q.Text != "" {
		values.Set("q", q.Text)
	}
	for k, v := range q.Filters {
		values.Set(k, v)
	}
	if q.Limit > 0 {
		values.Set("limit", fmt.Sprint(q.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/records?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w: %v", entityType, ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: %w: server returned %d: %s", entityType, ErrNetworkUnavailable, resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: server returned %d: %s", entityType, resp.StatusCode, string(body))
	}

	var out recordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return out.Records, nil
}
