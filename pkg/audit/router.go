package audit

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the audit API. Reads only; the trail has
// no write endpoints.
func Router(trail *Trail) chi.Router {
	r := chi.NewRouter()
	r.Get("/events", ListEventsHandler(trail))
	r.Get("/events/{eventId}", GetEventHandler(trail))
	return r
}
