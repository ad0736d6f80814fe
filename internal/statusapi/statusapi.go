package statusapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskforge/orchestrator/internal/delegation"
	"github.com/taskforge/orchestrator/internal/events"
	"github.com/taskforge/orchestrator/internal/guardrail"
	"github.com/taskforge/orchestrator/internal/hierarchy"
	"github.com/taskforge/orchestrator/internal/orchestrator"
	"github.com/taskforge/orchestrator/internal/tasks"
	"github.com/taskforge/orchestrator/internal/validator"
)

// Server exposes the running orchestrator's state over HTTP: JSON REST
// endpoints for polling dashboards plus a WebSocket feed for live
// event streams. Grounded on internal/server/server.go's Server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *hub
	logger     *log.Logger

	store      *tasks.Store
	guardrail  *guardrail.Detector
	validator  *validator.Validator
	pool       *hierarchy.AgentPool
	cache      *hierarchy.ContextCache
	loop       *orchestrator.Loop
	bus        *events.Bus
	startTime  time.Time
}

// New wires a Server over the orchestrator's already-constructed
// components. Any of pool/cache/loop may be nil when not yet started;
// their endpoints then report an empty body.
func New(addr string, store *tasks.Store, g *guardrail.Detector, v *validator.Validator, pool *hierarchy.AgentPool, cache *hierarchy.ContextCache, loop *orchestrator.Loop, bus *events.Bus, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		hub:       newHub(),
		logger:    logger,
		store:     store,
		guardrail: g,
		validator: v,
		pool:      pool,
		cache:     cache,
		loop:      loop,
		bus:       bus,
		startTime: time.Now(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/backlog", s.handleBacklogSummary).Methods("GET")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/dependencies", s.handleDependencyGraph).Methods("GET")
	api.HandleFunc("/shadow/health", s.handleShadowHealth).Methods("GET")
	api.HandleFunc("/shadow/divergences", s.handleShadowDivergences).Methods("GET")
	api.HandleFunc("/pool/stats", s.handlePoolStats).Methods("GET")
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	api.HandleFunc("/guardrail/stats", s.handleGuardrailStats).Methods("GET")
	api.HandleFunc("/validator/stats", s.handleValidatorStats).Methods("GET")
	api.HandleFunc("/orchestrator/status", s.handleOrchestratorStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the hub's fan-out loop, subscribes it to the event bus,
// and starts serving HTTP until ctx is cancelled or ListenAndServe
// fails for a reason other than a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run()
	sub := s.hub.relayFrom(s.bus, s.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.bus.Unsubscribe(sub)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("[STATUSAPI] encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).String(),
		"wsClients":   s.hub.clientCount(),
		"looprunning": s.loop != nil && s.loop.Running(),
	})
}

func (s *Server) handleBacklogSummary(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "task store not available")
		return
	}
	s.respondJSON(w, s.store.GetBacklogSummary())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t := s.store.GetTask(id)
	if t == nil {
		s.respondError(w, http.StatusNotFound, "task not found")
		return
	}
	s.respondJSON(w, t)
}

func (s *Server) handleDependencyGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.respondJSON(w, s.store.GetDependencyGraph(id))
}

func (s *Server) handleShadowHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.store.ShadowHealth())
}

func (s *Server) handleShadowDivergences(w http.ResponseWriter, r *http.Request) {
	divergences := s.store.ShadowDivergences()
	if divergences == nil {
		divergences = []tasks.Divergence{}
	}
	s.respondJSON(w, divergences)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.respondJSON(w, hierarchy.PoolStats{})
		return
	}
	s.respondJSON(w, s.pool.Stats())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.respondJSON(w, map[string]interface{}{"hitRate": 0.0})
		return
	}
	s.respondJSON(w, map[string]interface{}{"hitRate": s.cache.HitRate()})
}

func (s *Server) handleGuardrailStats(w http.ResponseWriter, r *http.Request) {
	if s.guardrail == nil {
		s.respondError(w, http.StatusServiceUnavailable, "guardrail detector not available")
		return
	}
	s.respondJSON(w, s.guardrail.Statistics())
}

func (s *Server) handleValidatorStats(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		s.respondError(w, http.StatusServiceUnavailable, "validator not available")
		return
	}
	s.respondJSON(w, s.validator.Stats())
}

func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	running := s.loop != nil && s.loop.Running()
	s.respondJSON(w, map[string]interface{}{
		"running":          running,
		"delegationPatterns": []delegation.Pattern{delegation.PatternParallel, delegation.PatternSequential, delegation.PatternDebate, delegation.PatternReview},
	})
}

// handleWebSocket upgrades the connection and registers a client with
// the hub, mirroring the teacher's server.handleWebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[STATUSAPI] websocket upgrade: %v", err)
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBufferSize)}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}
