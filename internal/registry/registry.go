// Package registry maps capability names to tool-service endpoints and
// caches their health state.
//
// The registry is the only resource shared between task families: the
// health checker writes endpoint health, the gateway's dispatch path reads
// it. Resolve never touches the network — it answers from the cached table,
// so a plan referencing a capability with no live endpoint fails fast
// without a dial attempt.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aegis-fin/aegis/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound means the capability was never registered.
	ErrNotFound = errors.New("capability not registered")

	// ErrServiceUnavailable means the capability is registered but no
	// endpoint is currently eligible to receive traffic.
	ErrServiceUnavailable = errors.New("no healthy endpoint for capability")
)

// endpointRecord is the registry's internal view of one endpoint. Health
// and LastChecked are written only by the health checker (single writer per
// record); everything else is fixed at registration.
type endpointRecord struct {
	address     string
	health      models.HealthStatus
	lastChecked time.Time
}

// Registry is the capability → endpoint table.
type Registry struct {
	mu        sync.RWMutex
	caps      map[string]models.Capability
	endpoints map[string][]*endpointRecord

	// rr holds a per-capability round-robin cursor used when more than
	// one healthy endpoint serves the same capability.
	rr map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		caps:      make(map[string]models.Capability),
		endpoints: make(map[string][]*endpointRecord),
		rr:        make(map[string]int),
	}
}

// Register binds an endpoint address to a capability. Registering a
// capability name that already exists replaces the capability metadata;
// registering an address that already exists for the capability is a no-op
// for the address but still refreshes the metadata.
func (r *Registry) Register(cap models.Capability, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.caps[cap.Name] = cap
	for _, ep := range r.endpoints[cap.Name] {
		if ep.address == address {
			return
		}
	}
	r.endpoints[cap.Name] = append(r.endpoints[cap.Name], &endpointRecord{
		address: address,
		health:  models.HealthUnknown,
	})

	log.Info().
		Str("capability", cap.Name).
		Str("address", address).
		Bool("idempotent", cap.Idempotent).
		Msg("capability registered")
}

// Resolve returns an endpoint for the capability, round-robin among the
// eligible ones. Endpoints still in HealthUnknown (not yet probed) are
// eligible so a cold start does not refuse all traffic; HealthUnhealthy
// endpoints are skipped. Resolve reads cached state only.
func (r *Registry) Resolve(capability string) (models.ServiceEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, ok := r.endpoints[capability]
	if !ok {
		return models.ServiceEndpoint{}, fmt.Errorf("%w: %s", ErrNotFound, capability)
	}

	var eligible []*endpointRecord
	for _, ep := range eps {
		if ep.health != models.HealthUnhealthy {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return models.ServiceEndpoint{}, fmt.Errorf("%w: %s", ErrServiceUnavailable, capability)
	}

	cursor := r.rr[capability]
	r.rr[capability] = cursor + 1
	pick := eligible[cursor%len(eligible)]

	return models.ServiceEndpoint{
		Capability:  capability,
		Address:     pick.address,
		Health:      pick.health,
		LastChecked: pick.lastChecked,
	}, nil
}

// Idempotent reports whether the named capability was registered as safe
// to retry. The second return is false for unknown capabilities.
func (r *Registry) Idempotent(capability string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[capability]
	return cap.Idempotent, ok
}

// MarkHealthy flips an endpoint to HealthHealthy. Called by the health
// checker after a successful probe.
func (r *Registry) MarkHealthy(capability, address string) {
	r.setHealth(capability, address, models.HealthHealthy)
}

// MarkUnhealthy flips an endpoint to HealthUnhealthy. Called by the health
// checker once the consecutive-failure threshold is reached.
func (r *Registry) MarkUnhealthy(capability, address string) {
	r.setHealth(capability, address, models.HealthUnhealthy)
}

func (r *Registry) setHealth(capability, address string, h models.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ep := range r.endpoints[capability] {
		if ep.address != address {
			continue
		}
		if ep.health != h {
			log.Info().
				Str("capability", capability).
				Str("address", address).
				Str("old", string(ep.health)).
				Str("new", string(h)).
				Msg("endpoint health changed")
		}
		ep.health = h
		ep.lastChecked = time.Now().UTC()
		return
	}
}

// Capabilities returns the registered capability set.
func (r *Registry) Capabilities() []models.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	return out
}

// Endpoints returns a snapshot of every endpoint record.
func (r *Registry) Endpoints() []models.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ServiceEndpoint
	for cap, eps := range r.endpoints {
		for _, ep := range eps {
			out = append(out, models.ServiceEndpoint{
				Capability:  cap,
				Address:     ep.address,
				Health:      ep.health,
				LastChecked: ep.lastChecked,
			})
		}
	}
	return out
}
