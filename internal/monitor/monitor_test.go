package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aegis-fin/aegis/internal/alert"
	"github.com/aegis-fin/aegis/pkg/models"
)

// scriptedExecutor answers each capability with a fixed result.
type scriptedExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	outputs map[string]json.RawMessage
	failing map[string]bool
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		calls:   make(map[string]int),
		outputs: make(map[string]json.RawMessage),
		failing: make(map[string]bool),
	}
}

func (e *scriptedExecutor) Execute(_ context.Context, plan *models.Plan) (*models.AggregatedResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	step := plan.Steps[0]
	e.calls[step.Capability]++

	res := &models.InvocationResult{Step: step.Name, Capability: step.Capability}
	agg := &models.AggregatedResult{
		PlanID:  plan.ID,
		Results: map[string]*models.InvocationResult{step.Name: res},
	}
	if e.failing[step.Capability] {
		res.Status = models.StepTimeout
		res.Error = "deadline exceeded"
		agg.Failed = []string{step.Name}
		return agg, nil
	}
	res.Status = models.StepOk
	res.Output = e.outputs[step.Capability]
	agg.Succeeded = true
	return agg, nil
}

func (e *scriptedExecutor) callCount(capability string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[capability]
}

// captureSink records delivered events.
type captureSink struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (s *captureSink) Deliver(_ context.Context, event models.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func mustCompile(t *testing.T, wr models.WatchRule) *Rule {
	t.Helper()
	rule, err := CompileRule(wr)
	if err != nil {
		t.Fatalf("CompileRule(%s): %v", wr.ID, err)
	}
	return rule
}

func newTestMonitor(exec Executor, sink alert.Sink) *Monitor {
	return New(exec, alert.NewEmitter(sink), time.Minute, 4)
}

func TestTickFiresOnThresholdCrossing(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["market_data"] = json.RawMessage(`{"symbol":"TSLA","change":3.2,"price":258.1}`)
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "tsla-move",
		Capability: "market_data",
		Params:     map[string]any{"symbol": "TSLA"},
		Predicate:  "change > 2.0",
		Severity:   models.SeverityCritical,
		Cooldown:   300 * time.Second,
	}))

	m.Tick(context.Background())

	if got := sink.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	sink.mu.Lock()
	event := sink.events[0]
	sink.mu.Unlock()
	if event.RuleID != "tsla-move" {
		t.Errorf("RuleID = %q", event.RuleID)
	}
	if event.Severity != models.SeverityCritical {
		t.Errorf("Severity = %q", event.Severity)
	}
	if string(event.Observed) != `{"symbol":"TSLA","change":3.2,"price":258.1}` {
		t.Errorf("Observed = %s, want the invocation output verbatim", event.Observed)
	}
}

func TestTickSuppressesWithinCooldown(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["market_data"] = json.RawMessage(`{"change":5.0}`)
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	t0 := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	now := t0
	m.nowFn = func() time.Time { return now }

	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
		Cooldown:   300 * time.Second,
	}))

	m.Tick(context.Background())
	if got := sink.count(); got != 1 {
		t.Fatalf("alerts after first tick = %d, want 1", got)
	}

	// Still inside the 300s cooldown: the rule is not even evaluated.
	now = t0.Add(120 * time.Second)
	m.Tick(context.Background())
	if got := sink.count(); got != 1 {
		t.Fatalf("alerts inside cooldown = %d, want still 1", got)
	}
	if got := exec.callCount("market_data"); got != 1 {
		t.Fatalf("evaluations inside cooldown = %d, want 1", got)
	}

	// Cooldown elapsed: fires again.
	now = t0.Add(310 * time.Second)
	m.Tick(context.Background())
	if got := sink.count(); got != 2 {
		t.Fatalf("alerts after cooldown = %d, want 2", got)
	}
}

func TestTickFailedEvaluationRetriesNextTick(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failing["market_data"] = true
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
		Cooldown:   300 * time.Second,
	}))

	m.Tick(context.Background())
	m.Tick(context.Background())

	// A failed dispatch never fires and never burns the cooldown, so the
	// rule is re-evaluated every tick until it answers.
	if got := sink.count(); got != 0 {
		t.Fatalf("alerts = %d, want 0", got)
	}
	if got := exec.callCount("market_data"); got != 2 {
		t.Fatalf("evaluations = %d, want one per tick", got)
	}
}

func TestTickBelowThresholdDoesNotFire(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["market_data"] = json.RawMessage(`{"change":0.4}`)
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
	}))

	m.Tick(context.Background())
	if got := sink.count(); got != 0 {
		t.Fatalf("alerts = %d, want 0", got)
	}
}

func TestTickIsolatesRuleFailures(t *testing.T) {
	exec := newScriptedExecutor()
	exec.failing["research"] = true
	exec.outputs["market_data"] = json.RawMessage(`{"change":9.9}`)
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "news",
		Capability: "research",
		Predicate:  "output != nil",
	}))
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
	}))

	m.Tick(context.Background())

	if got := sink.count(); got != 1 {
		t.Fatalf("alerts = %d, want 1: sibling rule failure must not spread", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].RuleID != "spike" {
		t.Errorf("fired rule = %q, want spike", sink.events[0].RuleID)
	}
}

func TestTickSkipsInflightRule(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["market_data"] = json.RawMessage(`{"change":9.9}`)
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
	}))

	// Simulate an evaluation still running from an earlier tick.
	m.mu.Lock()
	m.inflight["spike"] = true
	m.mu.Unlock()

	m.Tick(context.Background())

	if got := exec.callCount("market_data"); got != 0 {
		t.Fatalf("evaluations = %d, want 0 while previous one is in flight", got)
	}
}

func TestRemoveRuleClearsBookkeeping(t *testing.T) {
	exec := newScriptedExecutor()
	exec.outputs["market_data"] = json.RawMessage(`{"change":9.9}`)
	sink := &captureSink{}

	m := newTestMonitor(exec, sink)
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
		Cooldown:   time.Hour,
	}))

	m.Tick(context.Background())
	m.RemoveRule("spike")

	if got := len(m.Rules()); got != 0 {
		t.Fatalf("rules = %d, want 0", got)
	}

	// Re-adding the same id after removal starts fresh: the old cooldown
	// does not suppress it.
	m.AddRule(mustCompile(t, models.WatchRule{
		ID:         "spike",
		Capability: "market_data",
		Predicate:  "change > 2.0",
		Cooldown:   time.Hour,
	}))
	m.Tick(context.Background())
	if got := sink.count(); got != 2 {
		t.Fatalf("alerts = %d, want 2", got)
	}
}
