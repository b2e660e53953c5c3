// Package models defines the shared domain and wire types for the Aegis
// core: capabilities, service endpoints, plans, invocation results, watch
// rules, and alert events. Handler, gateway, registry, and monitor code all
// depend on these types; none of them carries behavior beyond small helpers.
package models

import (
	"encoding/json"
	"time"
)

// ── Capabilities & Endpoints ─────────────────────────────────

// Capability is a named unit of work a tool service can perform.
// A capability is immutable for a process lifetime once registered;
// re-registering the same name replaces the prior binding.
type Capability struct {
	Name        string `json:"name" yaml:"capability"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Idempotent marks the capability safe to invoke more than once with
	// the same input. Only idempotent capabilities are retried on timeout.
	Idempotent bool `json:"idempotent" yaml:"idempotent"`
}

// HealthStatus is the cached liveness state of a service endpoint.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ServiceEndpoint binds a capability to a network address plus its cached
// health state. Health is mutated only by the registry's health checker;
// dispatch code reads it through Registry.Resolve.
type ServiceEndpoint struct {
	Capability  string       `json:"capability"`
	Address     string       `json:"address"`
	Health      HealthStatus `json:"health"`
	LastChecked time.Time    `json:"last_checked,omitempty"`
}

// ── Plans ────────────────────────────────────────────────────

// PlanStep is one capability invocation inside a plan. Steps may declare
// dependencies on other steps by name; a step never dispatches before all
// of its dependencies reached a terminal status.
type PlanStep struct {
	Name       string         `json:"name"`
	Capability string         `json:"capability"`
	Input      map[string]any `json:"input,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// Plan is a dependency-structured set of capability invocations produced by
// an external planner and consumed by the gateway. The dependency graph
// must be acyclic; the gateway validates this before dispatching anything.
type Plan struct {
	ID    string     `json:"id,omitempty"`
	Steps []PlanStep `json:"steps"`

	// Deadline bounds the whole execution. Zero means the gateway's
	// configured default applies.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// ── Invocations & Results ────────────────────────────────────

// StepStatus is the terminal state of one plan step.
type StepStatus string

const (
	StepOk                 StepStatus = "ok"
	StepTimeout            StepStatus = "timeout"
	StepServiceError       StepStatus = "service_error"
	StepServiceUnavailable StepStatus = "service_unavailable"

	// StepSkipped marks a step whose dependency never produced output.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether a step in this status will never run again
// within its plan execution. All defined statuses are terminal; the zero
// value ("") is not.
func (s StepStatus) Terminal() bool { return s != "" }

// InvocationResult records the outcome of one plan step, including the
// correlation id propagated to the tool service so logs can be joined back
// to the originating plan.
type InvocationResult struct {
	Step          string          `json:"step"`
	Capability    string          `json:"capability"`
	CorrelationID string          `json:"correlation_id"`
	Status        StepStatus      `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	Elapsed       time.Duration   `json:"elapsed_ms"`
}

// AggregatedResult is the gateway's answer to Execute. It always carries
// every step's terminal result; callers decide whether a partial success is
// usable. Succeeded is true only when every step reached StepOk.
type AggregatedResult struct {
	PlanID    string                       `json:"plan_id"`
	Succeeded bool                         `json:"succeeded"`
	Results   map[string]*InvocationResult `json:"results"`
	Failed    []string                     `json:"failed,omitempty"`
	Skipped   []string                     `json:"skipped,omitempty"`
	Elapsed   time.Duration                `json:"elapsed_ms"`
}

// ResultFor returns the recorded result for a step, or nil.
func (a *AggregatedResult) ResultFor(step string) *InvocationResult {
	if a == nil {
		return nil
	}
	return a.Results[step]
}

// ── Invoke Contract (gateway ⇄ tool service wire shape) ──────

// InvokeRequest is the uniform request every tool service accepts on
// POST /invoke. The shape is transport-agnostic; the HTTP binding is just
// the default realization.
type InvokeRequest struct {
	Capability    string         `json:"capability"`
	Input         map[string]any `json:"input,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	DeadlineMs    int64          `json:"deadline_ms,omitempty"`
}

// InvokeResponse is the uniform tool-service reply.
type InvokeResponse struct {
	Status string          `json:"status"` // "ok" or "error"
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// InvokeOk reports whether the response carries a usable payload.
func (r *InvokeResponse) InvokeOk() bool { return r != nil && r.Status == "ok" }

// ── Watch Rules & Alerts ─────────────────────────────────────

// Severity grades an alert event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// WatchRule is a standing condition the monitor re-evaluates on a fixed
// cadence. Rules are created from configuration; last-fired bookkeeping is
// owned and mutated exclusively by the monitor's own evaluation step.
type WatchRule struct {
	ID         string         `json:"id" yaml:"id"`
	Capability string         `json:"capability" yaml:"capability"`
	Params     map[string]any `json:"params,omitempty" yaml:"params"`

	// Predicate is an expr-lang expression evaluated against the
	// invocation output. A true result is a threshold crossing.
	Predicate string `json:"predicate" yaml:"predicate"`

	Severity Severity      `json:"severity,omitempty" yaml:"severity"`
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// AlertEvent is emitted when a watch rule's threshold is crossed. Events
// are immutable once emitted; ownership transfers to the notification sink.
type AlertEvent struct {
	ID        string          `json:"id"`
	RuleID    string          `json:"rule_id"`
	Observed  json.RawMessage `json:"observed,omitempty"`
	Message   string          `json:"message"`
	Severity  Severity        `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}
