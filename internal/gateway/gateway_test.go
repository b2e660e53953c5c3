package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aegis-fin/aegis/internal/gateway"
	"github.com/aegis-fin/aegis/internal/registry"
	"github.com/aegis-fin/aegis/pkg/models"
)

// fakeInvoker scripts per-capability behavior and records dispatch order.
type fakeInvoker struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
	fn    func(ctx context.Context, req *models.InvokeRequest, attempt int) (*models.InvokeResponse, error)
}

func newFakeInvoker(fn func(ctx context.Context, req *models.InvokeRequest, attempt int) (*models.InvokeResponse, error)) *fakeInvoker {
	return &fakeInvoker{calls: make(map[string]int), fn: fn}
}

func (f *fakeInvoker) Invoke(ctx context.Context, _ models.ServiceEndpoint, req *models.InvokeRequest) (*models.InvokeResponse, error) {
	f.mu.Lock()
	f.calls[req.Capability]++
	attempt := f.calls[req.Capability]
	f.order = append(f.order, req.Capability)
	f.mu.Unlock()
	return f.fn(ctx, req, attempt)
}

func (f *fakeInvoker) dispatches(capability string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[capability]
}

func (f *fakeInvoker) indexOf(capability string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.order {
		if c == capability {
			return i
		}
	}
	return -1
}

func okResponse(payload string) (*models.InvokeResponse, error) {
	return &models.InvokeResponse{Status: "ok", Output: json.RawMessage(payload)}, nil
}

func newRegistry(t *testing.T, caps ...models.Capability) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, c := range caps {
		reg.Register(c, "http://127.0.0.1:9999")
	}
	return reg
}

func TestExecuteRunsDependenciesInOrder(t *testing.T) {
	reg := newRegistry(t,
		models.Capability{Name: "market_data", Idempotent: true},
		models.Capability{Name: "analyze"},
		models.Capability{Name: "report"},
	)
	inv := newFakeInvoker(func(_ context.Context, req *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		if req.Capability == "market_data" {
			return okResponse(`{"symbol":"TSLA","price":250}`)
		}
		return okResponse(`{}`)
	})
	gw := gateway.New(reg, inv, gateway.Options{})

	plan := &models.Plan{
		ID: "plan-order",
		Steps: []models.PlanStep{
			{Name: "quote", Capability: "market_data", Input: map[string]any{"symbol": "TSLA"}},
			{Name: "analysis", Capability: "analyze", DependsOn: []string{"quote"}},
			{Name: "summary", Capability: "report", DependsOn: []string{"analysis"}},
		},
	}

	agg, err := gw.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !agg.Succeeded {
		t.Fatalf("Succeeded = false, failed=%v skipped=%v", agg.Failed, agg.Skipped)
	}
	if got := agg.ResultFor("quote"); got == nil || string(got.Output) != `{"symbol":"TSLA","price":250}` {
		t.Errorf("quote output = %v", got)
	}
	if q, a, r := inv.indexOf("market_data"), inv.indexOf("analyze"), inv.indexOf("report"); !(q < a && a < r) {
		t.Errorf("dispatch order = %v, want quote before analysis before summary", inv.order)
	}
}

func TestExecuteRejectsCyclicPlans(t *testing.T) {
	reg := newRegistry(t, models.Capability{Name: "market_data"})
	inv := newFakeInvoker(func(_ context.Context, _ *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		return okResponse(`{}`)
	})
	gw := gateway.New(reg, inv, gateway.Options{})

	plan := &models.Plan{
		Steps: []models.PlanStep{
			{Name: "a", Capability: "market_data", DependsOn: []string{"b"}},
			{Name: "b", Capability: "market_data", DependsOn: []string{"a"}},
		},
	}

	_, err := gw.Execute(context.Background(), plan)
	if !errors.Is(err, gateway.ErrInvalidPlan) {
		t.Fatalf("err = %v, want ErrInvalidPlan", err)
	}
	if n := inv.dispatches("market_data"); n != 0 {
		t.Errorf("dispatched %d steps from a rejected plan, want 0", n)
	}
}

func TestExecuteRetriesIdempotentTimeouts(t *testing.T) {
	reg := newRegistry(t, models.Capability{Name: "market_data", Idempotent: true})
	inv := newFakeInvoker(func(_ context.Context, _ *models.InvokeRequest, attempt int) (*models.InvokeResponse, error) {
		if attempt < 3 {
			return nil, context.DeadlineExceeded
		}
		return okResponse(`{"price":101.5}`)
	})
	gw := gateway.New(reg, inv, gateway.Options{
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	})

	plan := &models.Plan{Steps: []models.PlanStep{{Name: "quote", Capability: "market_data"}}}
	agg, err := gw.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := agg.ResultFor("quote")
	if res.Status != models.StepOk {
		t.Fatalf("status = %s, want %s (error: %s)", res.Status, models.StepOk, res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestExecuteDoesNotRetryNonIdempotent(t *testing.T) {
	reg := newRegistry(t, models.Capability{Name: "place_order", Idempotent: false})
	inv := newFakeInvoker(func(_ context.Context, _ *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		return nil, context.DeadlineExceeded
	})
	gw := gateway.New(reg, inv, gateway.Options{MaxRetries: 2, BackoffBase: time.Millisecond})

	plan := &models.Plan{Steps: []models.PlanStep{{Name: "order", Capability: "place_order"}}}
	agg, err := gw.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	res := agg.ResultFor("order")
	if res.Status != models.StepTimeout {
		t.Fatalf("status = %s, want %s", res.Status, models.StepTimeout)
	}
	if n := inv.dispatches("place_order"); n != 1 {
		t.Errorf("dispatched %d times, want exactly 1 for a non-idempotent capability", n)
	}
}

func TestExecuteDoesNotRetryServiceErrors(t *testing.T) {
	reg := newRegistry(t, models.Capability{Name: "market_data", Idempotent: true})
	inv := newFakeInvoker(func(_ context.Context, _ *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		return &models.InvokeResponse{Status: "error", Error: "unknown symbol"}, nil
	})
	gw := gateway.New(reg, inv, gateway.Options{MaxRetries: 2, BackoffBase: time.Millisecond})

	plan := &models.Plan{Steps: []models.PlanStep{{Name: "quote", Capability: "market_data"}}}
	agg, _ := gw.Execute(context.Background(), plan)

	res := agg.ResultFor("quote")
	if res.Status != models.StepServiceError {
		t.Fatalf("status = %s, want %s", res.Status, models.StepServiceError)
	}
	if res.Error != "unknown symbol" {
		t.Errorf("error = %q, want the service's message verbatim", res.Error)
	}
	if n := inv.dispatches("market_data"); n != 1 {
		t.Errorf("dispatched %d times, want 1: application failures are not retried", n)
	}
}

func TestExecuteSkipsDependentsOfFailedSteps(t *testing.T) {
	// "research" is never registered, so its step is unavailable; the step
	// depending on it must be skipped while the independent branch runs.
	reg := newRegistry(t,
		models.Capability{Name: "market_data", Idempotent: true},
		models.Capability{Name: "report"},
	)
	inv := newFakeInvoker(func(_ context.Context, _ *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		return okResponse(`{}`)
	})
	gw := gateway.New(reg, inv, gateway.Options{})

	plan := &models.Plan{
		Steps: []models.PlanStep{
			{Name: "news", Capability: "research"},
			{Name: "digest", Capability: "report", DependsOn: []string{"news"}},
			{Name: "quote", Capability: "market_data"},
		},
	}

	agg, err := gw.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if agg.Succeeded {
		t.Fatal("Succeeded = true, want false")
	}
	if got := agg.ResultFor("news").Status; got != models.StepServiceUnavailable {
		t.Errorf("news status = %s, want %s", got, models.StepServiceUnavailable)
	}
	if got := agg.ResultFor("digest").Status; got != models.StepSkipped {
		t.Errorf("digest status = %s, want %s", got, models.StepSkipped)
	}
	if got := agg.ResultFor("quote").Status; got != models.StepOk {
		t.Errorf("quote status = %s, want %s: sibling failures must not spread", got, models.StepOk)
	}
	if n := inv.dispatches("report"); n != 0 {
		t.Errorf("dispatched skipped step %d times, want 0", n)
	}
}

func TestExecuteHonorsPlanDeadline(t *testing.T) {
	reg := newRegistry(t, models.Capability{Name: "market_data"})
	inv := newFakeInvoker(func(ctx context.Context, _ *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	gw := gateway.New(reg, inv, gateway.Options{DispatchDeadline: time.Minute})

	plan := &models.Plan{
		Deadline: 50 * time.Millisecond,
		Steps:    []models.PlanStep{{Name: "quote", Capability: "market_data"}},
	}

	start := time.Now()
	agg, err := gw.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Execute took %s, deadline not enforced", elapsed)
	}
	if got := agg.ResultFor("quote").Status; got != models.StepTimeout {
		t.Errorf("status = %s, want %s", got, models.StepTimeout)
	}
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	reg := newRegistry(t, models.Capability{Name: "market_data", Idempotent: true})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	inv := newFakeInvoker(func(_ context.Context, _ *models.InvokeRequest, _ int) (*models.InvokeResponse, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return okResponse(`{}`)
	})
	gw := gateway.New(reg, inv, gateway.Options{MaxInFlight: 2})

	steps := make([]models.PlanStep, 6)
	for i := range steps {
		steps[i] = models.PlanStep{Name: string(rune('a' + i)), Capability: "market_data"}
	}
	agg, err := gw.Execute(context.Background(), &models.Plan{Steps: steps})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !agg.Succeeded {
		t.Fatalf("Succeeded = false, failed=%v", agg.Failed)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", peak)
	}
}
