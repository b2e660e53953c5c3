package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-fin/aegis/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultFailureThreshold is the number of consecutive probe failures that
// transitions an endpoint to HealthUnhealthy. A single success transitions
// it back to HealthHealthy.
const DefaultFailureThreshold = 3

// Prober answers a liveness probe for one endpoint. The HTTP prober is the
// default; tests substitute their own.
type Prober interface {
	Probe(ctx context.Context, ep models.ServiceEndpoint) error
}

// HTTPProber probes GET <address>/healthz and treats any 2xx as alive.
type HTTPProber struct {
	Client *http.Client
}

// Probe performs the liveness call.
func (p *HTTPProber) Probe(ctx context.Context, ep models.ServiceEndpoint) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.Address+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &probeStatusError{code: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ code int }

func (e *probeStatusError) Error() string { return http.StatusText(e.code) }

// HealthChecker is the background task that probes every registered
// endpoint on a fixed interval and is the sole writer of endpoint health.
type HealthChecker struct {
	registry  *Registry
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold int

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	failures map[string]int // capability+address → consecutive failures
}

// NewHealthChecker creates a checker over the given registry. A nil prober
// falls back to an HTTP prober bounded by the probe timeout.
func NewHealthChecker(r *Registry, prober Prober, interval, timeout time.Duration, threshold int) *HealthChecker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if prober == nil {
		prober = &HTTPProber{Client: &http.Client{Timeout: timeout}}
	}
	return &HealthChecker{
		registry:  r,
		prober:    prober,
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		stopCh:    make(chan struct{}),
		failures:  make(map[string]int),
	}
}

// Start begins the probe loop. Safe to call once; later calls are no-ops.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.mu.Unlock()

	log.Info().Dur("interval", hc.interval).Int("threshold", hc.threshold).Msg("health checker started")
	go hc.loop(ctx)
}

// Stop shuts the probe loop down.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.running {
		return
	}
	hc.running = false
	close(hc.stopCh)
	log.Info().Msg("health checker stopped")
}

func (hc *HealthChecker) loop(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	// Probe once immediately so endpoints leave HealthUnknown quickly.
	hc.CheckAll(ctx)

	for {
		select {
		case <-ticker.C:
			hc.CheckAll(ctx)
		case <-hc.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every registered endpoint once. Exported so tests can
// drive probe rounds without waiting on the ticker.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	for _, ep := range hc.registry.Endpoints() {
		hc.checkOne(ctx, ep)
	}
}

func (hc *HealthChecker) checkOne(ctx context.Context, ep models.ServiceEndpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	err := hc.prober.Probe(probeCtx, ep)
	cancel()

	key := ep.Capability + "|" + ep.Address
	if err == nil {
		hc.failures[key] = 0
		hc.registry.MarkHealthy(ep.Capability, ep.Address)
		return
	}

	hc.failures[key]++
	log.Warn().
		Err(err).
		Str("capability", ep.Capability).
		Str("address", ep.Address).
		Int("consecutive_failures", hc.failures[key]).
		Msg("endpoint probe failed")

	if hc.failures[key] >= hc.threshold {
		hc.registry.MarkUnhealthy(ep.Capability, ep.Address)
	}
}
