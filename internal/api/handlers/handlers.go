// Package handlers implements the HTTP handlers for the Aegis core: plan
// execution, capability registry management, watch rules, and the recent
// alert feed.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/internal/alert"
	"github.com/aegis-fin/aegis/internal/gateway"
	"github.com/aegis-fin/aegis/internal/monitor"
	"github.com/aegis-fin/aegis/internal/registry"
	"github.com/aegis-fin/aegis/pkg/models"
)

// PlanExecutor is the slice of the gateway the API needs.
type PlanExecutor interface {
	Execute(ctx context.Context, plan *models.Plan) (*models.AggregatedResult, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Executor PlanExecutor
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Alerts   *alert.Buffer
}

// New creates a Handlers instance with all dependencies.
func New(exec PlanExecutor, reg *registry.Registry, mon *monitor.Monitor, alerts *alert.Buffer) *Handlers {
	return &Handlers{
		Executor: exec,
		Registry: reg,
		Monitor:  mon,
		Alerts:   alerts,
	}
}

// ── Plan Handlers ────────────────────────────────────────────

// ExecutePlan runs a dependency-structured plan and returns the aggregated
// per-step results. A structurally invalid plan is a 400; a plan that ran
// but had step failures is still a 200 with the failures in the body.
func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	var plan models.Plan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	agg, err := h.Executor.Execute(r.Context(), &plan)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidPlan) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, agg)
}

// ── Registry Handlers ────────────────────────────────────────

type registerRequest struct {
	Capability  string `json:"capability"`
	Address     string `json:"address"`
	Idempotent  bool   `json:"idempotent"`
	Description string `json:"description"`
}

// RegisterCapability binds a capability name to a tool service address.
func (h *Handlers) RegisterCapability(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Capability == "" || req.Address == "" {
		respondError(w, http.StatusBadRequest, "capability and address are required")
		return
	}

	h.Registry.Register(models.Capability{
		Name:        req.Capability,
		Description: req.Description,
		Idempotent:  req.Idempotent,
	}, req.Address)

	log.Info().
		Str("capability", req.Capability).
		Str("address", req.Address).
		Msg("capability registered via API")
	respondJSON(w, http.StatusCreated, req)
}

// ListCapabilities returns every registered capability.
func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := h.Registry.Capabilities()
	if caps == nil {
		caps = []models.Capability{}
	}
	respondJSON(w, http.StatusOK, caps)
}

// ListEndpoints returns every endpoint with its current health.
func (h *Handlers) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps := h.Registry.Endpoints()
	if eps == nil {
		eps = []models.ServiceEndpoint{}
	}
	respondJSON(w, http.StatusOK, eps)
}

// ── Watch Rule Handlers ──────────────────────────────────────

// watchRequest is the API shape of a watch rule; cooldown is a duration
// string like "5m".
type watchRequest struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params"`
	Predicate  string         `json:"predicate"`
	Severity   string         `json:"severity"`
	Cooldown   string         `json:"cooldown"`
}

// CreateWatch registers a watch rule; the predicate is compiled up front so
// a bad expression is rejected here rather than at evaluation time.
func (h *Handlers) CreateWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var cooldown time.Duration
	if req.Cooldown != "" {
		var err error
		cooldown, err = time.ParseDuration(req.Cooldown)
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad cooldown: "+err.Error())
			return
		}
	}

	rule, err := monitor.CompileRule(models.WatchRule{
		ID:         req.ID,
		Capability: req.Capability,
		Params:     req.Params,
		Predicate:  req.Predicate,
		Severity:   models.Severity(req.Severity),
		Cooldown:   cooldown,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.Monitor.AddRule(rule)
	respondJSON(w, http.StatusCreated, rule.WatchRule)
}

// ListWatches returns the registered watch rules.
func (h *Handlers) ListWatches(w http.ResponseWriter, r *http.Request) {
	rules := h.Monitor.Rules()
	if rules == nil {
		rules = []models.WatchRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

// DeleteWatch removes a watch rule by id.
func (h *Handlers) DeleteWatch(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	h.Monitor.RemoveRule(ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// ── Alert Handlers ───────────────────────────────────────────

// ListAlerts returns the most recent alerts, newest first. The optional
// limit query parameter bounds the count.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, h.Alerts.Recent(limit))
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
