// Package api is the internal admin HTTP API. It carries the only
// multi-step external contract in the suite: the service that owns the
// authoritative repository metadata confirms or aborts repository create
// tickets here once its own transaction settles. It must never be
// exposed on a client-facing address.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/getturnip/turnip/internal/activity"
	"github.com/getturnip/turnip/internal/createrepo"
	"github.com/getturnip/turnip/internal/hookrpc"
	"github.com/getturnip/turnip/internal/process"
	"github.com/getturnip/turnip/internal/repo"
	"github.com/getturnip/turnip/internal/stats"
	"github.com/getturnip/turnip/internal/version"
)

type Server struct {
	coordinator *createrepo.Coordinator
	registry    *hookrpc.Registry
	procs       *process.Manager
	sessions    *activity.Log
	inventory   *repo.Inventory
	collector   *stats.Collector
	router      chi.Router
}

func NewServer(coordinator *createrepo.Coordinator, registry *hookrpc.Registry, procs *process.Manager, sessions *activity.Log, inventory *repo.Inventory, collector *stats.Collector) *Server {
	s := &Server{
		coordinator: coordinator,
		registry:    registry,
		procs:       procs,
		sessions:    sessions,
		inventory:   inventory,
		collector:   collector,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/activity", s.handleActivity)
	r.Get("/repos", s.handleRepos)
	r.Get("/processes", s.handleProcesses)
	r.Route("/tickets/{id}", func(r chi.Router) {
		r.Post("/confirm", s.handleConfirm)
		r.Post("/abort", s.handleAbort)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

var startTime = time.Now()

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"version":       version.GetVersion(),
		"uptime":        time.Since(startTime).Round(time.Second).String(),
		"live_sessions": s.registry.Len(),
		"git_processes": s.procs.Count(),
		"resources":     s.collector.Get(),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	jsonResponse(w, http.StatusOK, s.sessions.Recent(limit))
}

func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.inventory.List()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"count": len(repos),
		"repos": repos,
	})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.procs.List())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.coordinator.Confirm)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.coordinator.Abort)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, fn func(string) (createrepo.State, error)) {
	id := chi.URLParam(r, "id")
	state, err := fn(id)
	if err != nil {
		if errors.Is(err, createrepo.ErrNotFound) {
			errorResponse(w, http.StatusNotFound, "no such ticket")
			return
		}
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"id": id, "state": string(state)})
}
