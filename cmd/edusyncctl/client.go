package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/api"
)

type edusyncClient struct {
	baseURL string
	account string
	role    string
	http    *http.Client
}

func newClient() *edusyncClient {
	return &edusyncClient{
		baseURL: serverURL,
		account: accountID,
		role:    accountRole,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiPath prefixes path with the API base path.
func apiPath(format string, args ...any) string {
	return api.BasePath + fmt.Sprintf(format, args...)
}

// getJSON performs a GET request and decodes the response.
func (c *edusyncClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

// postJSON performs a POST request with an optional JSON body and decodes
// the response.
func (c *edusyncClient) postJSON(path string, body any, v any) error {
	return c.do(http.MethodPost, path, body, v)
}

func (c *edusyncClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.account != "" {
		req.Header.Set(account.IDHeader, c.account)
	}
	if c.role != "" {
		req.Header.Set(account.RoleHeader, c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNoContent:
		return nil
	default:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return fmt.Errorf("server returned %d (retry after %ss): %s", resp.StatusCode, ra, bytes.TrimSpace(bodyBytes))
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(bodyBytes))
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}
