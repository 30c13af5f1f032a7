// Package api exposes the pipeline over HTTP under /api/v1.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/edudirectory/edusync/pkg/account"
	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/notify"
	"github.com/edudirectory/edusync/pkg/pipeline"
	"github.com/edudirectory/edusync/pkg/review"
	"github.com/edudirectory/edusync/pkg/submissions"
)

// BasePath prefixes every API route.
const BasePath = "/api/v1"

// Options configures the router. A nil Resolver reads the gateway identity
// headers.
type Options struct {
	CORSOrigins []string
	Resolver    account.Resolver
	Logger      *slog.Logger
}

// NewRouter creates the HTTP router for p.
func NewRouter(p *pipeline.Pipeline, opts Options) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = account.HeaderResolver{}
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", account.IDHeader, account.RoleHeader},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(account.Middleware(resolver))
	r.Use(audit.Middleware(p.Trail, &p.Config().Audit, logger))

	r.Get("/livez", livezHandler(started))
	r.Get("/healthz", livezHandler(started))
	r.Get("/readyz", readyzHandler(p))

	r.Route(BasePath, func(r chi.Router) {
		r.Get("/entities/{id}", EntityHandler(p))
		r.Get("/search", SearchHandler(p))
		r.Post("/refresh/{entityType}", RefreshHandler(p))
		r.Group(func(r chi.Router) {
			r.Use(account.RequireReviewer)
			r.Mount("/audit", audit.Router(p.Trail))
		})

		if !p.Writable() {
			for _, pattern := range readOnlyPatterns {
				r.HandleFunc(pattern, readOnlyHandler)
			}
			return
		}

		r.Get("/records", RecordsHandler(p))
		r.Get("/entities/{id}/reminders", notify.EntityRemindersHandler(p.Reminders))
		r.Group(func(r chi.Router) {
			r.Use(account.RequireAccount)
			r.Post("/submissions", submissions.SubmitHandler(p.Intake))
			r.Get("/submissions/{id}", submissions.GetSubmissionHandler(p.Users))
			r.Get("/me/submissions", submissions.ListMineHandler(p.Users))
			r.Get("/me/trust", submissions.TrustHandler(p.Users))
			r.Mount("/queue", jobs.Router(p.Scheduler, account.RequireReviewer))
		})

		r.Mount("/review", review.Router(p.Review))
		r.Group(func(r chi.Router) {
			r.Use(account.RequireReviewer)
			r.Mount("/reminders", notify.Router(p.Reminders))
		})
	})

	logger.Info("mounted api routes", "basePath", BasePath, "corsOrigins", origins, "writable", p.Writable())
	return r
}

// readOnlyPatterns are the write-path routes. An instance reading records
// from an upstream answers them with 503.
var readOnlyPatterns = []string{
	"/records",
	"/entities/{id}/reminders",
	"/submissions",
	"/submissions/*",
	"/me/*",
	"/queue",
	"/queue/*",
	"/review",
	"/review/*",
	"/reminders",
	"/reminders/*",
}

func readOnlyHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusServiceUnavailable, pipeline.ErrReadOnly.Error())
}
