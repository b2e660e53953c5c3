// Package monitor runs the proactive watch-rule loop.
//
// On a fixed cadence the monitor snapshots the rule set, skips rules still
// inside their cooldown or still evaluating from a previous tick, and
// evaluates the rest concurrently through the same gateway dispatch path
// user plans take — so retry, timeout, and health policy are reused, not
// duplicated. A crossing emits an alert event to the configured sinks.
//
// Failure isolation: one rule's dispatch failure is logged and skipped for
// the tick; siblings are unaffected and the rule is retried next tick.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/aegis-fin/aegis/internal/alert"
	"github.com/aegis-fin/aegis/internal/gateway"
	"github.com/aegis-fin/aegis/pkg/models"
)

// Executor is the slice of the gateway the monitor needs. Satisfied by
// *gateway.Gateway; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, plan *models.Plan) (*models.AggregatedResult, error)
}

var _ Executor = (*gateway.Gateway)(nil)

// Monitor is the proactive scheduling loop.
type Monitor struct {
	executor    Executor
	emitter     *alert.Emitter
	period      time.Duration
	maxParallel int64

	// nowFn is the clock; tests pin it.
	nowFn func() time.Time

	mu        sync.Mutex
	rules     map[string]*Rule
	lastFired map[string]time.Time // written only by the rule's own evaluation
	inflight  map[string]bool      // rules still evaluating from an earlier tick
	running   bool
	stopCh    chan struct{}
}

// New creates a monitor with the given cadence and per-tick parallelism.
func New(exec Executor, emitter *alert.Emitter, period time.Duration, maxParallel int) *Monitor {
	if period <= 0 {
		period = 60 * time.Second
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Monitor{
		executor:    exec,
		emitter:     emitter,
		period:      period,
		maxParallel: int64(maxParallel),
		nowFn:       time.Now,
		rules:       make(map[string]*Rule),
		lastFired:   make(map[string]time.Time),
		inflight:    make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

// AddRule registers a rule. Rules added mid-tick apply from the next tick;
// re-adding an id replaces the rule but keeps its cooldown bookkeeping.
func (m *Monitor) AddRule(r *Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	log.Info().
		Str("rule_id", r.ID).
		Str("capability", r.Capability).
		Dur("cooldown", r.Cooldown).
		Msg("watch rule registered")
}

// RemoveRule drops a rule and its bookkeeping.
func (m *Monitor) RemoveRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	delete(m.lastFired, id)
}

// Rules returns a snapshot of the registered rule definitions.
func (m *Monitor) Rules() []models.WatchRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WatchRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.WatchRule)
	}
	return out
}

// Start begins the scheduling loop. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Info().Dur("period", m.period).Int64("max_parallel", m.maxParallel).Msg("proactive monitor started")
	go m.loop(ctx)
}

// Stop shuts the loop down. In-flight evaluations finish on their own.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("proactive monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	// Evaluate once at startup rather than waiting a full period.
	m.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one evaluation round over a snapshot of the rule set. It waits
// for the round to finish up to a safety margin under the period; a rule
// still evaluating past that horizon is left to finish and is simply not
// re-claimed until it does.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.nowFn()
	rules := m.claimDue(now)
	if len(rules) == 0 {
		return
	}

	sem := semaphore.NewWeighted(m.maxParallel)
	var wg sync.WaitGroup
	for _, rule := range rules {
		wg.Add(1)
		go func(r *Rule) {
			defer wg.Done()
			defer m.releaseRule(r.ID)
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			m.evaluate(ctx, r, now)
		}(rule)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	budget := m.period - m.period/10
	select {
	case <-done:
	case <-time.After(budget):
		log.Warn().Dur("budget", budget).Msg("tick budget exhausted; stragglers left to finish")
	case <-ctx.Done():
	}
}

// claimDue snapshots the rules due this tick: outside cooldown and not
// still evaluating from an earlier tick. Claimed rules are marked inflight
// so no rule ever has two concurrent evaluations.
func (m *Monitor) claimDue(now time.Time) []*Rule {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Rule
	for id, rule := range m.rules {
		if m.inflight[id] {
			log.Debug().Str("rule_id", id).Msg("previous evaluation still running; skipping tick")
			continue
		}
		if fired, ok := m.lastFired[id]; ok && now.Sub(fired) < rule.Cooldown {
			continue
		}
		m.inflight[id] = true
		due = append(due, rule)
	}
	return due
}

func (m *Monitor) releaseRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

// evaluate dispatches the rule's capability as a single-step plan, applies
// the predicate, and on a crossing emits an alert and commits lastFired.
func (m *Monitor) evaluate(ctx context.Context, rule *Rule, now time.Time) {
	plan := &models.Plan{
		ID: "watch-" + rule.ID + "-" + uuid.New().String(),
		Steps: []models.PlanStep{{
			Name:       rule.ID,
			Capability: rule.Capability,
			Input:      rule.Params,
		}},
	}

	agg, err := m.executor.Execute(ctx, plan)
	if err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("rule evaluation rejected")
		return
	}

	res := agg.ResultFor(rule.ID)
	if res == nil || res.Status != models.StepOk {
		status := models.StepStatus("missing")
		detail := ""
		if res != nil {
			status = res.Status
			detail = res.Error
		}
		log.Warn().
			Str("rule_id", rule.ID).
			Str("capability", rule.Capability).
			Str("status", string(status)).
			Str("error", detail).
			Msg("rule evaluation failed this tick; retrying next tick")
		return
	}

	crossed, err := rule.Crossed(res.Output)
	if err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("predicate evaluation failed")
		return
	}
	if !crossed {
		return
	}

	m.mu.Lock()
	m.lastFired[rule.ID] = now
	m.mu.Unlock()

	event := models.AlertEvent{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Observed:  res.Output,
		Message:   fmt.Sprintf("watch rule %s crossed threshold on %s", rule.ID, rule.Capability),
		Severity:  rule.Severity,
		Timestamp: now,
	}

	log.Info().
		Str("rule_id", rule.ID).
		Str("alert_id", event.ID).
		Str("severity", string(event.Severity)).
		Msg("threshold crossed; emitting alert")

	// Emit failures are already logged (and bounded) by the emitter;
	// a dropped delivery never blocks the loop or resets the cooldown.
	_ = m.emitter.Emit(ctx, event)
}
