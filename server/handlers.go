package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petal-labs/turnflow/core"
	"github.com/petal-labs/turnflow/orchestrator"
	"github.com/petal-labs/turnflow/registry"
	"github.com/petal-labs/turnflow/runtime"
)

// turnBody is the POST /v1/tenants/{tenant_id}/turns request body.
type turnBody struct {
	CustomerID string         `json:"customer_id"`
	Input      string         `json:"input"`
	InputKind  core.InputKind `json:"input_kind"`
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tenants": len(s.orch.Registry().Tenants()),
	})
}

// handleProcessTurn validates the body against the turn schema and runs
// one turn. Schema-valid bodies always get 200: request-level problems the
// schema cannot see come back as a validation_failed state.
func (s *Server) handleProcessTurn(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	details, err := validateBody(s.turnSchema, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if len(details) > 0 {
		writeError(w, http.StatusBadRequest, "SCHEMA_VIOLATION", "request body does not match the turn schema", details...)
		return
	}

	var body turnBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if body.InputKind == "" {
		body.InputKind = core.InputText
	}

	state := s.orch.ProcessTurn(r.Context(), orchestrator.TurnRequest{
		TenantID:   chi.URLParam(r, "tenant_id"),
		CustomerID: body.CustomerID,
		Input:      body.Input,
		InputKind:  body.InputKind,
	})
	writeJSON(w, http.StatusOK, state)
}

// handleListStages returns the stage names registered for a tenant.
func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	stages := s.orch.Registry().ListStages(tenantID)
	if stages == nil {
		stages = []core.StageName{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"stages":    stages,
	})
}

// handleDeregisterStage removes one stage from a tenant.
func (s *Server) handleDeregisterStage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	stage := core.StageName(chi.URLParam(r, "stage"))

	err := s.orch.Registry().Deregister(tenantID, stage)
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, "INVALID_KEY", err.Error())
	default:
		s.logger.Info("stage deregistered", "tenant_id", tenantID, "stage", stage)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleTeardownTenant removes every stage of a tenant.
func (s *Server) handleTeardownTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	removed := s.orch.Registry().TeardownTenant(tenantID)
	s.logger.Info("tenant torn down", "tenant_id", tenantID, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"removed":   removed,
	})
}

func (s *Server) handleTenantStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats(chi.URLParam(r, "tenant_id")))
}

func (s *Server) handleAllStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.AllStats())
}

func (s *Server) handleResetTenantStats(w http.ResponseWriter, r *http.Request) {
	s.orch.ResetStats(chi.URLParam(r, "tenant_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAllStats(w http.ResponseWriter, _ *http.Request) {
	s.orch.ResetAllStats()
	w.WriteHeader(http.StatusNoContent)
}

// handleTenantHealth reports stage coverage; critical tenants get 503 so
// load balancers can act on the status code alone.
func (s *Server) handleTenantHealth(w http.ResponseWriter, r *http.Request) {
	h := s.orch.Health(chi.URLParam(r, "tenant_id"))
	status := http.StatusOK
	if h.Status == orchestrator.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleTurnEvents returns stored events for a turn as JSON.
// Optional query parameters: after (sequence cursor) and limit.
func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	q := r.URL.Query()
	var afterSeq uint64
	if v := q.Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid after parameter")
			return
		}
		afterSeq = parsed
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	turnID := chi.URLParam(r, "turn_id")
	events, err := s.eventStore.List(r.Context(), turnID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if events == nil {
		events = []runtime.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turn_id": turnID,
		"events":  events,
	})
}

// handleTenantTurns lists a tenant's stored turn IDs, most recent first.
func (s *Server) handleTenantTurns(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	tenantID := chi.URLParam(r, "tenant_id")
	turns, err := s.eventStore.Turns(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if turns == nil {
		turns = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"turns":     turns,
	})
}

// queryLimit reads the optional limit parameter, writing a 400 when it is malformed.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid limit parameter")
		return 0, false
	}
	return limit, true
}

// streamHandler guards the SSE routes on the bus and store being wired.
func (s *Server) streamHandler(build func() http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bus == nil || s.eventStore == nil {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event streaming not configured")
			return
		}
		// The sse handlers read path values; copy chi's URL params over.
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				r.SetPathValue(key, rctx.URLParams.Values[i])
			}
		}
		build().ServeHTTP(w, r)
	}
}
