// Package gateway implements the plan dispatch engine.
//
// The gateway receives a dependency-structured plan from an external
// planner and executes it against registered tool services:
//
//  1. Validate the dependency graph is acyclic (nothing dispatches on failure)
//  2. Dispatch steps whose dependencies are all terminal, concurrently,
//     bounded by a per-plan in-flight cap
//  3. Apply per-invocation deadlines; retry timeouts with exponential
//     backoff, but only for capabilities registered as idempotent
//  4. Propagate failures to dependents as Skipped, never to siblings
//  5. Return every step's terminal result — partial failure is data,
//     not an error
//
// The gateway holds no durable state; each Execute call is independent.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/aegis-fin/aegis/internal/registry"
	"github.com/aegis-fin/aegis/pkg/models"
)

// Options configures the dispatch policy.
type Options struct {
	// MaxInFlight caps concurrently dispatched steps per plan.
	MaxInFlight int

	// DispatchDeadline bounds each invocation attempt.
	DispatchDeadline time.Duration

	// MaxRetries is the number of extra attempts after a timeout,
	// applied only to idempotent capabilities.
	MaxRetries int

	// PlanDeadline bounds a whole execution when the plan itself does
	// not carry one.
	PlanDeadline time.Duration

	// BackoffBase and BackoffCap shape the retry delays: base, base*2,
	// base*4, ... capped at BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.DispatchDeadline <= 0 {
		o.DispatchDeadline = 15 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.PlanDeadline <= 0 {
		o.PlanDeadline = 2 * time.Minute
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 4 * time.Second
	}
	return o
}

// Gateway executes plans against the registry's tool services.
type Gateway struct {
	registry *registry.Registry
	invoker  Invoker
	opts     Options
	tracer   trace.Tracer
}

// New creates a gateway. A nil invoker falls back to the HTTP binding.
func New(reg *registry.Registry, invoker Invoker, opts Options) *Gateway {
	if invoker == nil {
		invoker = NewHTTPInvoker()
	}
	return &Gateway{
		registry: reg,
		invoker:  invoker,
		opts:     opts.withDefaults(),
		tracer:   otel.Tracer("aegis/gateway"),
	}
}

// Execute runs the plan to completion (or its deadline) and returns the
// aggregated per-step results. The only error return is ErrInvalidPlan;
// every runtime failure is carried inside the aggregate instead.
func (g *Gateway) Execute(ctx context.Context, plan *models.Plan) (*models.AggregatedResult, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	planID := plan.ID
	if planID == "" {
		planID = uuid.New().String()
	}

	ctx, span := g.tracer.Start(ctx, "gateway.execute", trace.WithAttributes(
		attribute.String("plan.id", planID),
		attribute.Int("plan.steps", len(plan.Steps)),
	))
	defer span.End()

	deadline := plan.Deadline
	if deadline <= 0 {
		deadline = g.opts.PlanDeadline
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	log.Info().
		Str("plan_id", planID).
		Int("steps", len(plan.Steps)).
		Dur("deadline", deadline).
		Msg("plan execution started")

	results := make(map[string]*models.InvocationResult, len(plan.Steps))
	resultCh := make(chan *models.InvocationResult, len(plan.Steps))
	sem := semaphore.NewWeighted(int64(g.opts.MaxInFlight))
	dispatched := make(map[string]bool, len(plan.Steps))

	// scheduleReady dispatches every step whose dependencies are all
	// terminal. A step with a non-Ok dependency is recorded Skipped on
	// the spot, which can make further dependents schedulable — hence
	// the fixpoint loop.
	scheduleReady := func() {
		for again := true; again; {
			again = false
			for i := range plan.Steps {
				step := &plan.Steps[i]
				if dispatched[step.Name] {
					continue
				}
				ready := true
				failedDep := ""
				for _, dep := range step.DependsOn {
					res, done := results[dep]
					if !done {
						ready = false
						break
					}
					if res.Status != models.StepOk && failedDep == "" {
						failedDep = dep
					}
				}
				if !ready {
					continue
				}
				dispatched[step.Name] = true
				if failedDep != "" {
					results[step.Name] = &models.InvocationResult{
						Step:       step.Name,
						Capability: step.Capability,
						Status:     models.StepSkipped,
						Error:      fmt.Sprintf("dependency %q did not complete", failedDep),
					}
					again = true
					continue
				}
				go func(s *models.PlanStep) {
					if err := sem.Acquire(execCtx, 1); err != nil {
						resultCh <- &models.InvocationResult{
							Step:       s.Name,
							Capability: s.Capability,
							Status:     models.StepTimeout,
							Error:      "plan deadline exceeded before dispatch",
						}
						return
					}
					defer sem.Release(1)
					resultCh <- g.runStep(execCtx, planID, s)
				}(step)
			}
		}
	}

	for len(results) < len(plan.Steps) {
		scheduleReady()
		if len(results) == len(plan.Steps) {
			break
		}
		select {
		case res := <-resultCh:
			results[res.Step] = res
		case <-execCtx.Done():
			// Plan deadline: abandon in-flight invocations and mark
			// every non-terminal step as timed out.
			for i := range plan.Steps {
				s := &plan.Steps[i]
				if _, ok := results[s.Name]; !ok {
					results[s.Name] = &models.InvocationResult{
						Step:       s.Name,
						Capability: s.Capability,
						Status:     models.StepTimeout,
						Error:      "plan deadline exceeded",
					}
				}
			}
			return g.aggregate(planID, span, start, results), nil
		}
	}

	return g.aggregate(planID, span, start, results), nil
}

func (g *Gateway) aggregate(planID string, span trace.Span, start time.Time, results map[string]*models.InvocationResult) *models.AggregatedResult {
	agg := &models.AggregatedResult{
		PlanID:  planID,
		Results: results,
		Elapsed: time.Since(start),
	}
	for name, res := range results {
		switch res.Status {
		case models.StepOk:
		case models.StepSkipped:
			agg.Skipped = append(agg.Skipped, name)
		default:
			agg.Failed = append(agg.Failed, name)
		}
	}
	sort.Strings(agg.Failed)
	sort.Strings(agg.Skipped)
	agg.Succeeded = len(agg.Failed) == 0 && len(agg.Skipped) == 0

	if agg.Succeeded {
		span.SetStatus(codes.Ok, "")
		log.Info().
			Str("plan_id", planID).
			Int("steps", len(results)).
			Dur("elapsed", agg.Elapsed).
			Msg("plan execution completed")
	} else {
		span.SetStatus(codes.Error, "plan completed with failures")
		log.Warn().
			Str("plan_id", planID).
			Strs("failed", agg.Failed).
			Strs("skipped", agg.Skipped).
			Dur("elapsed", agg.Elapsed).
			Msg("plan execution completed with failures")
	}
	return agg
}

// runStep resolves, dispatches, and (for idempotent capabilities) retries
// one plan step to a terminal status.
func (g *Gateway) runStep(ctx context.Context, planID string, step *models.PlanStep) *models.InvocationResult {
	res := &models.InvocationResult{Step: step.Name, Capability: step.Capability}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	ep, err := g.registry.Resolve(step.Capability)
	if err != nil {
		res.Status = models.StepServiceUnavailable
		res.Error = err.Error()
		log.Warn().
			Str("plan_id", planID).
			Str("step", step.Name).
			Str("capability", step.Capability).
			Err(err).
			Msg("step unavailable")
		return res
	}

	idempotent, _ := g.registry.Idempotent(step.Capability)
	maxAttempts := 1
	if idempotent {
		maxAttempts += g.opts.MaxRetries
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.opts.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = g.opts.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := bo.NextBackOff()
			log.Info().
				Str("plan_id", planID).
				Str("step", step.Name).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("retrying step after timeout")
			select {
			case <-ctx.Done():
				res.Status = models.StepTimeout
				res.Error = "plan deadline exceeded during retry wait"
				return res
			case <-time.After(wait):
			}
		}
		res.Attempts = attempt

		corrID := uuid.New().String()
		res.CorrelationID = corrID

		dispatchCtx, span := g.tracer.Start(ctx, "gateway.dispatch", trace.WithAttributes(
			attribute.String("plan.id", planID),
			attribute.String("step", step.Name),
			attribute.String("capability", step.Capability),
			attribute.String("correlation_id", corrID),
			attribute.Int("attempt", attempt),
		))

		attemptCtx, cancel := context.WithTimeout(dispatchCtx, g.opts.DispatchDeadline)
		resp, err := g.invoker.Invoke(attemptCtx, ep, &models.InvokeRequest{
			Capability:    step.Capability,
			Input:         step.Input,
			CorrelationID: corrID,
			DeadlineMs:    deadlineMs(attemptCtx),
		})
		cancel()

		switch {
		case err == nil && resp.InvokeOk():
			span.SetStatus(codes.Ok, "")
			span.End()
			res.Status = models.StepOk
			res.Output = resp.Output
			res.Error = ""
			log.Info().
				Str("plan_id", planID).
				Str("step", step.Name).
				Str("correlation_id", corrID).
				Int("attempt", attempt).
				Dur("elapsed", time.Since(start)).
				Msg("step completed")
			return res

		case err == nil:
			// Application-level failure: surfaced verbatim, never retried.
			span.SetStatus(codes.Error, resp.Error)
			span.End()
			res.Status = models.StepServiceError
			res.Error = resp.Error
			log.Warn().
				Str("plan_id", planID).
				Str("step", step.Name).
				Str("correlation_id", corrID).
				Str("error", resp.Error).
				Msg("step failed with service error")
			return res

		case isTimeout(err):
			span.RecordError(err)
			span.SetStatus(codes.Error, "timeout")
			span.End()
			res.Status = models.StepTimeout
			res.Error = fmt.Sprintf("deadline exceeded after %s", g.opts.DispatchDeadline)
			// Loop continues only while idempotent attempts remain.

		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			span.End()
			res.Status = models.StepServiceError
			res.Error = err.Error()
			log.Warn().
				Str("plan_id", planID).
				Str("step", step.Name).
				Str("correlation_id", corrID).
				Err(err).
				Msg("step dispatch failed")
			return res
		}
	}

	log.Warn().
		Str("plan_id", planID).
		Str("step", step.Name).
		Int("attempts", res.Attempts).
		Msg("step timed out after retries")
	return res
}
