// Package server exposes the orchestrator over HTTP: turn processing,
// stage registry management, statistics, health, Prometheus metrics and
// turn event replay and streaming.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/petal-labs/turnflow/bus"
	"github.com/petal-labs/turnflow/orchestrator"
	"github.com/petal-labs/turnflow/sse"
)

// ServerConfig configures a Server instance. Orchestrator is required;
// without Bus and EventStore the event routes answer 501.
type ServerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          bus.EventBus
	EventStore   bus.EventStore
	CORSOrigin   string
	MaxBody      int64
	Logger       *slog.Logger
	// Gatherer serves /metrics. If nil, a private registry with the
	// turn stats collector is used.
	Gatherer prometheus.Gatherer
}

// Server is the turnflow HTTP API server.
type Server struct {
	orch       *orchestrator.Orchestrator
	bus        bus.EventBus
	eventStore bus.EventStore
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
	gatherer   prometheus.Gatherer
	turnSchema *jsonschema.Schema
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("server: orchestrator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	schema, err := compileTurnSchema()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		reg := prometheus.NewRegistry()
		if err := reg.Register(NewStatsCollector(cfg.Orchestrator)); err != nil {
			return nil, fmt.Errorf("server: register collector: %w", err)
		}
		gatherer = reg
	}
	return &Server{
		orch:       cfg.Orchestrator,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
		gatherer:   gatherer,
		turnSchema: schema,
	}, nil
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.maxBodyMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleAllStats)
		r.Post("/stats/reset", s.handleResetAllStats)

		r.Route("/tenants/{tenant_id}", func(r chi.Router) {
			r.Delete("/", s.handleTeardownTenant)
			r.Post("/turns", s.handleProcessTurn)
			r.Get("/turns", s.handleTenantTurns)
			r.Get("/stages", s.handleListStages)
			r.Delete("/stages/{stage}", s.handleDeregisterStage)
			r.Get("/stats", s.handleTenantStats)
			r.Post("/stats/reset", s.handleResetTenantStats)
			r.Get("/health", s.handleTenantHealth)
			r.Get("/stream", s.streamHandler(func() http.Handler {
				return sse.NewTenantHandler(s.bus)
			}))
		})

		r.Route("/turns/{turn_id}", func(r chi.Router) {
			r.Get("/events", s.handleTurnEvents)
			r.Get("/stream", s.streamHandler(func() http.Handler {
				return sse.NewSSEHandler(s.eventStore, s.bus)
			}))
		})
	})

	return r
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
