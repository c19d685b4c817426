package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/gpufleet/internal/api/middleware"
	"github.com/kiranshivaraju/gpufleet/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger    *slog.Logger
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJob     http.HandlerFunc
	ListJobs      http.HandlerFunc
	JobStatus     http.HandlerFunc
	CompleteJob   http.HandlerFunc
	CancelJob     http.HandlerFunc
	CheckpointJob http.HandlerFunc
	ListFailovers http.HandlerFunc

	RegisterNode      http.HandlerFunc
	ListNodes         http.HandlerFunc
	GetNode           http.HandlerFunc
	UpdateCapacity    http.HandlerFunc
	UpdateEligibility http.HandlerFunc
	DeregisterNode    http.HandlerFunc
	Heartbeat         http.HandlerFunc

	ListEvents    http.HandlerFunc
	ListDecisions http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.RequestLogger(deps.Logger))
	r.Use(mw.Recoverer(deps.Logger))

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatus))
		r.Get("/api/v1/jobs/{jobID}/failovers", orNotImplemented(deps.ListFailovers))
		r.Get("/api/v1/nodes", orNotImplemented(deps.ListNodes))
		r.Get("/api/v1/nodes/{nodeID}", orNotImplemented(deps.GetNode))
		r.Get("/api/v1/events", orNotImplemented(deps.ListEvents))
		r.Get("/api/v1/routing/decisions", orNotImplemented(deps.ListDecisions))

		// Job submitters
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeSubmit))

			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
			r.Post("/api/v1/jobs/{jobID}/complete", orNotImplemented(deps.CompleteJob))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Post("/api/v1/jobs/{jobID}/checkpoints", orNotImplemented(deps.CheckpointJob))
		})

		// Fleet operators and their agents
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeOperator))

			r.Post("/api/v1/nodes", orNotImplemented(deps.RegisterNode))
			r.Patch("/api/v1/nodes/{nodeID}/capacity", orNotImplemented(deps.UpdateCapacity))
			r.Patch("/api/v1/nodes/{nodeID}/eligibility", orNotImplemented(deps.UpdateEligibility))
			r.Delete("/api/v1/nodes/{nodeID}", orNotImplemented(deps.DeregisterNode))
			r.Post("/api/v1/nodes/{nodeID}/heartbeat", orNotImplemented(deps.Heartbeat))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
