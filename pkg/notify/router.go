package notify

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for reminder delivery agents.
func Router(outbox *Outbox) chi.Router {
	r := chi.NewRouter()
	r.Get("/due", DueHandler(outbox))
	r.Post("/{reminderId}:sent", MarkSentHandler(outbox))
	return r
}
