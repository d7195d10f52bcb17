package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/flagmatchio/evaluator/internal/auth"
	"github.com/flagmatchio/evaluator/internal/flagstore"
	"github.com/flagmatchio/evaluator/internal/matching"
	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// Server holds the evaluator's HTTP dependencies: the evaluated request's
// collaborators (spec.md §1's Reader/Writer/caches) plus authentication.
type Server struct {
	flagStore      flagstore.Store
	reader         matching.Reader
	writer         matching.HashKeyOverrideWriter
	cohortCache    matching.CohortCache
	groupTypeCache *matching.GroupTypeCache
	auth           *auth.Authenticator
	rateLimitPerIP int
}

// NewServer wires a Server over its collaborators. rateLimitPerIP configures
// the evaluate route's per-IP budget (config.RateLimitPerIP).
func NewServer(
	flagStore flagstore.Store,
	reader matching.Reader,
	writer matching.HashKeyOverrideWriter,
	cohortCache matching.CohortCache,
	groupTypeCache *matching.GroupTypeCache,
	authenticator *auth.Authenticator,
	rateLimitPerIP int,
) *Server {
	return &Server{
		flagStore:      flagStore,
		reader:         reader,
		writer:         writer,
		cohortCache:    cohortCache,
		groupTypeCache: groupTypeCache,
		auth:           authenticator,
		rateLimitPerIP: rateLimitPerIP,
	}
}

// Router builds the evaluator's chi router. Unlike the teacher's admin
// surface (flag CRUD, webhook management, audit-log export, SSE streaming),
// this service exposes only what spec.md's scope requires: evaluation,
// a health probe, and the auth'd evaluate route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(telemetry.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Use(httprate.LimitByIP(s.rateLimitPerIP, time.Minute))
		r.Use(s.auth.RequireAuth)
		r.Post("/v1/flags/evaluate", s.handleEvaluate)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
