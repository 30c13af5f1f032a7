package api

import (
	"context"
	"net/http"
	"time"

	"github.com/edudirectory/edusync/pkg/pipeline"
)

func livezHandler(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(started).Round(time.Second).String(),
		})
	}
}

// readyzHandler reports ready when the database answers. The remote store
// is not checked; reads fall back without it.
func readyzHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbStatus := map[string]string{"status": "up"}
		status := http.StatusOK
		if err := p.Ping(ctx); err != nil {
			dbStatus = map[string]string{"status": "down", "error": err.Error()}
			status = http.StatusServiceUnavailable
		}
		ready := "ready"
		if status != http.StatusOK {
			ready = "not_ready"
		}
		writeJSON(w, status, map[string]any{
			"status":   ready,
			"database": dbStatus,
			"snapshot": map[string]int{"records": p.Snapshot.Len()},
			"leader":   p.Elector.IsLeader(),
			"writable": p.Writable(),
		})
	}
}
