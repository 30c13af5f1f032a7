package review

import (
	"github.com/go-chi/chi/v5"

	"github.com/edudirectory/edusync/pkg/account"
)

// Router creates a chi.Router for the review API. Every route requires a
// reviewer account.
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Use(account.RequireReviewer)

	r.Get("/items", ItemsHandler(svc))
	r.Post("/submissions/{id}:approve", ApproveHandler(svc))
	r.Post("/submissions/{id}:reject", RejectHandler(svc))
	r.Post("/jobs/{jobId}:requeue", RequeueHandler(svc))
	r.Post("/trust/{submitterId}", TrustHandler(svc))

	return r
}
