package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/hybrid"
	"github.com/edudirectory/edusync/pkg/pipeline"
	"github.com/edudirectory/edusync/pkg/records"
)

// EntityHandler handles GET /entities/{id}. With sync=true only the memory
// cache and the snapshot are consulted. A record no tier has is a 404 that
// still carries the data source.
func EntityHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var res hybrid.EntityResult
		if r.URL.Query().Get("sync") == "true" {
			res = p.GetEntitySync(id)
		} else {
			res = p.GetEntity(r.Context(), id)
		}
		if res.Record == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":      fmt.Sprintf("entity %q not found", id),
				"dataSource": res.Source,
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SearchHandler handles GET /search?q=&type=&limit=&<field>=
func SearchHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values := r.URL.Query()
		entityType := values.Get("type")
		values.Del("type")
		sync := values.Get("sync") == "true"
		values.Del("sync")

		limit := 0
		if s := values.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		values.Del("limit")

		q, err := records.ParseQuery(values.Encode())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Limit = limit

		var res hybrid.SearchResult
		if sync {
			res = p.Reads.SearchSync(entityType, q)
		} else {
			res = p.Search(r.Context(), entityType, q)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records":    res.Records,
			"size":       len(res.Records),
			"dataSource": res.Source,
			"stale":      res.Stale,
		})
	}
}

// RecordsHandler handles GET /records?type=&<query>. It reads the local
// records table directly and is what records.HTTPRemote calls on an
// upstream server.
func RecordsHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values := r.URL.Query()
		entityType := values.Get("type")
		values.Del("type")
		q, err := records.ParseQuery(values.Encode())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		recs, err := p.Records.Fetch(r.Context(), entityType, q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to fetch records: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": recs, "size": len(recs)})
	}
}

// RefreshHandler handles POST /refresh/{entityType}?force=true. "*" and
// "all" refresh every type. Forcing is reserved for reviewers. A single
// type refreshed too recently is answered with 429 and Retry-After.
func RefreshHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityType := chi.URLParam(r, "entityType")
		all := entityType == "*" || entityType == "all"
		if all {
			entityType = "*"
		} else if !slices.Contains(p.Config().Hybrid.EntityTypes, entityType) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", entityType))
			return
		}

		force := r.URL.Query().Get("force") == "true"
		if force {
			acct, ok := account.FromContext(r.Context())
			if !ok || !acct.IsReviewer() {
				writeError(w, http.StatusForbidden, "forced refresh requires the reviewer role")
				return
			}
		}

		results := p.Refresh(r.Context(), entityType, force)
		if !all && len(results) == 1 && results[0].Skipped && results[0].RetryAfter > 0 {
			seconds := int(math.Ceil(results[0].RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   fmt.Sprintf("refresh of %s skipped, retry after %d seconds", entityType, seconds),
				"results": results,
			})
			return
		}
		status := http.StatusOK
		if !all && results[0].Error != "" {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{"results": results})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
