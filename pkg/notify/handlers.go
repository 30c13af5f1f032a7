package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// DueHandler handles GET /reminders/due?before=&limit=. before defaults to
// now and takes RFC 3339.
func DueHandler(outbox *Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before := outbox.now()
		if s := r.URL.Query().Get("before"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid before: %v", err))
				return
			}
			before = t
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		due, err := outbox.Due(r.Context(), before, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list reminders: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reminders": nonNil(due), "size": len(due)})
	}
}

// EntityRemindersHandler handles GET /entities/{id}/reminders.
func EntityRemindersHandler(outbox *Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		list, err := outbox.ForEntity(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list reminders: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reminders": nonNil(list), "size": len(list)})
	}
}

// MarkSentHandler handles POST /reminders/{reminderId}:sent
func MarkSentHandler(outbox *Outbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "reminderId")
		ok, err := outbox.MarkSent(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to acknowledge reminder: %v", err))
			return
		}
		if !ok {
			writeError(w, http.StatusConflict, fmt.Sprintf("reminder %q is not pending", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func nonNil(list []Reminder) []Reminder {
	if list == nil {
		return []Reminder{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
