// Package httpapi implements the minimal HTTP/SSE surface of spec.md §6:
// a dashboard-facing read/write window into the orchestrator, not part of
// the core itself. Grounded on the go-chi router style used throughout the
// pack (emergent-company-emergent/apps/website/main.go's
// chi.NewRouter/middleware.Logger/middleware.Recoverer skeleton,
// jordigilh-kubernaut's go-chi/cors usage), with request bodies validated
// via github.com/go-playground/validator/v10 and errors rendered through
// the goa.design/goa/v3/pkg ServiceError envelope (see errors.go).
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/loopworks/conductor/internal/bus"
	"github.com/loopworks/conductor/internal/errlog"
	"github.com/loopworks/conductor/internal/improvement"
	"github.com/loopworks/conductor/internal/orchestrator"
	"github.com/loopworks/conductor/internal/store"
)

// Deps is everything the HTTP facade reads or writes. It never constructs
// any of these itself — internal/app.App supplies one Deps per process.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Bus          *bus.Bus
	Errors       *errlog.Collector
	Improvement  *improvement.Loop
}

type server struct {
	deps     Deps
	validate *validator.Validate
}

// NewRouter builds the chi router for the dashboard surface of spec.md §6.
func NewRouter(deps Deps) http.Handler {
	s := &server{deps: deps, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}))

	r.Post("/prompt", s.handlePrompt)
	r.Get("/tasks/recent", s.handleTasksRecent)
	r.Get("/tasks/upcoming", s.handleTasksUpcoming)
	r.Post("/tasks/{id}/cancel", s.handleTaskCancel)
	r.Get("/projects", s.handleProjects)
	r.Get("/improvement/status", s.handleImprovementStatus)
	r.Get("/chat/history", s.handleChatHistory)
	r.Get("/events", s.handleEvents)

	return r
}
