package audit

import (
	"net/http"
	"strings"
)

// operatorAction names the operator request at path, or returns false when
// the request is not one the middleware records. Submissions, reviews and
// cancellations are recorded by the pipeline with richer detail.
func operatorAction(method, path string) (string, bool) {
	if method != http.MethodPost || isHealthEndpoint(path) {
		return "", false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		switch p {
		case "refresh":
			return "refresh", true
		case "queue":
			if i+1 < len(parts) && parts[i+1] == "process" {
				return "process-batch", true
			}
		}
	}
	return "", false
}

// resourceID returns the path segment after the action segment, stripped of
// any ":verb" suffix. For /api/v1/refresh/university it returns "university".
func resourceID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "refresh" && i+1 < len(parts) {
			id := parts[i+1]
			if idx := strings.Index(id, ":"); idx > 0 {
				id = id[:idx]
			}
			return id
		}
	}
	return ""
}

// isHealthEndpoint returns true for health-check paths.
func isHealthEndpoint(path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz":
		return true
	}
	return false
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}
