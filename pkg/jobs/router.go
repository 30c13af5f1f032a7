package jobs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the queue API. When operator is non-nil
// it guards the routes that change queue state.
func Router(sched *Scheduler, operator func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/stats", StatsHandler(sched))
	r.Get("/history", HistoryHandler(sched))
	r.Get("/jobs", ListJobsHandler(sched.Store()))
	r.Get("/jobs/{jobId}", GetJobHandler(sched.Store()))

	processHandler := http.Handler(ProcessBatchHandler(sched))
	cancelHandler := http.Handler(CancelJobHandler(sched))
	if operator != nil {
		processHandler = operator(processHandler)
		cancelHandler = operator(cancelHandler)
	}
	r.Post("/process", processHandler.ServeHTTP)
	r.Post("/jobs/{jobId}:cancel", cancelHandler.ServeHTTP)

	return r
}
