package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/carrier"
	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/jobs"
	"github.com/riannom/archetype/pkg/links"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
)

// Server is the HTTP surface: agent registration and callbacks, the
// user control plane, the live-state WebSocket, and the operational
// endpoints.
type Server struct {
	store       store.Store
	bus         *bus.Bus
	registry    *registry.Registry
	pipeline    *jobs.Pipeline
	links       *links.Orchestrator
	carrier     *carrier.Propagator
	broadcaster *broadcast.Broadcaster
	cfg         *config.Config

	http *http.Server
}

// NewServer wires the HTTP surface over the given components.
func NewServer(st store.Store, b *bus.Bus, reg *registry.Registry, pl *jobs.Pipeline, lo *links.Orchestrator, cp *carrier.Propagator, bc *broadcast.Broadcaster, cfg *config.Config) *Server {
	s := &Server{
		store:       st,
		bus:         b,
		registry:    reg,
		pipeline:    pl,
		links:       lo,
		carrier:     cp,
		broadcaster: bc,
		cfg:         cfg,
	}
	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Agent-facing surface (bearer token).
	mux.Handle("POST /api/v1/agents/register", s.agentAuth(s.handleAgentRegister))
	mux.Handle("POST /api/v1/agents/{id}/heartbeat", s.agentAuth(s.handleAgentHeartbeat))
	mux.Handle("POST /api/v1/callbacks/job/{id}", s.agentAuth(s.handleJobCallback))
	mux.Handle("POST /api/v1/callbacks/job/{id}/heartbeat", s.agentAuth(s.handleJobHeartbeat))
	mux.Handle("POST /api/v1/callbacks/carrier-state", s.agentAuth(s.handleCarrierState))
	mux.Handle("POST /api/v1/callbacks/dead-letter/{id}", s.agentAuth(s.handleDeadLetter))
	mux.Handle("POST /api/v1/callbacks/update/{id}", s.agentAuth(s.handleUpdateCallback))

	// Control plane.
	mux.HandleFunc("POST /api/v1/labs", s.handleCreateLab)
	mux.HandleFunc("GET /api/v1/labs", s.handleListLabs)
	mux.HandleFunc("GET /api/v1/labs/{id}", s.handleGetLab)
	mux.HandleFunc("PUT /api/v1/labs/{id}", s.handleUpdateLab)
	mux.HandleFunc("DELETE /api/v1/labs/{id}", s.handleDeleteLab)
	mux.HandleFunc("PUT /api/v1/labs/{id}/topology", s.handleApplyTopology)
	mux.HandleFunc("POST /api/v1/labs/{id}/up", s.handleLabUp)
	mux.HandleFunc("POST /api/v1/labs/{id}/down", s.handleLabDown)
	mux.HandleFunc("POST /api/v1/labs/{id}/refresh", s.handleLabRefresh)
	mux.HandleFunc("POST /api/v1/labs/{id}/nodes/{name}/start", s.handleNodeStart)
	mux.HandleFunc("POST /api/v1/labs/{id}/nodes/{name}/stop", s.handleNodeStop)
	mux.HandleFunc("POST /api/v1/labs/{id}/links", s.handleAddLink)
	mux.HandleFunc("DELETE /api/v1/labs/{id}/links/{name}", s.handleRemoveLink)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)

	// Live state.
	mux.HandleFunc("GET /api/v1/labs/{id}/ws", s.handleWebSocket)

	// Operational.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.recoverer(mux)
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("http listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// recoverer converts handler panics into 500s and tags every request
// with a correlation ID.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("api").Error().
					Str("request_id", reqID).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// agentAuth enforces the shared bearer token on agent-facing routes.
// An empty configured token disables the check (dev mode).
func (s *Server) agentAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AgentToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.AgentToken {
				writeError(w, http.StatusUnauthorized, "invalid agent token")
				return
			}
		}
		next(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz verifies the database answers before reporting ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.ListAgents(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondErr maps domain errors onto HTTP status codes.
func respondErr(w http.ResponseWriter, err error) {
	var (
		conflict *jobs.ConflictError
		lockHeld *jobs.LockHeldError
		noAgent  *jobs.NoAgentError
		missing  *jobs.MissingImagesError
		unplaced *jobs.UnplacedNodesError
		reserved *store.EndpointReservedError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "already exists")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &lockHeld):
		writeError(w, http.StatusConflict, lockHeld.Error())
	case errors.As(err, &reserved):
		writeError(w, http.StatusConflict, reserved.Error())
	case errors.As(err, &noAgent):
		writeError(w, http.StatusServiceUnavailable, noAgent.Error())
	case errors.As(err, &missing):
		writeError(w, http.StatusServiceUnavailable, missing.Error())
	case errors.As(err, &unplaced):
		writeError(w, http.StatusUnprocessableEntity, unplaced.Error())
	default:
		log.WithComponent("api").Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
