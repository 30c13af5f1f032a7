package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/records"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Middleware records operator requests (manual batch runs and forced
// refreshes) after the handler completes. Writes are best-effort.
func Middleware(trail *Trail, cfg *AuditConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled || trail == nil {
				next.ServeHTTP(w, r)
				return
			}
			verb, ok := operatorAction(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			outcome := outcomeFromStatus(capture.statusCode)
			if outcome == OutcomeDenied && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			requestID := middleware.GetReqID(ctx)
			rec := &Record{
				Actor:      account.Actor(ctx, "anonymous"),
				Action:     ActionOperatorRequest,
				EntityType: resourceID(r.URL.Path),
				Outcome:    outcome,
				CreatedAt:  start.UTC(),
				Metadata: records.JSONAny{
					"verb":       verb,
					"method":     r.Method,
					"path":       r.URL.Path,
					"query":      r.URL.RawQuery,
					"statusCode": capture.statusCode,
					"duration":   time.Since(start).String(),
					"requestID":  requestID,
				},
			}
			if err := trail.Append(ctx, rec); err != nil {
				logger.Error("failed to write audit record", "error", err, "requestID", requestID)
			}
		})
	}
}
