// Package config loads the Aegis core configuration from the environment,
// plus the registry seed and watch-rule definitions from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/aegis-fin/aegis/pkg/models"
)

// Config holds all settings for the gateway/monitor process. Every field
// is overridable through an AEGIS_-prefixed environment variable.
type Config struct {
	Port    int    `envconfig:"PORT" default:"8080"`
	Version string `envconfig:"VERSION" default:"0.1.0"`

	// Gateway dispatch policy.
	PlanMaxInFlight    int           `envconfig:"PLAN_MAX_IN_FLIGHT" default:"4"`
	PlanDeadline       time.Duration `envconfig:"PLAN_DEADLINE" default:"2m"`
	DispatchDeadline   time.Duration `envconfig:"DISPATCH_DEADLINE" default:"15s"`
	DispatchMaxRetries int           `envconfig:"DISPATCH_MAX_RETRIES" default:"2"`

	// Registry seeding and health probing.
	RegistrySeedFile         string        `envconfig:"REGISTRY_SEED_FILE"`
	RegistryProbeInterval    time.Duration `envconfig:"REGISTRY_PROBE_INTERVAL" default:"10s"`
	RegistryProbeTimeout     time.Duration `envconfig:"REGISTRY_PROBE_TIMEOUT" default:"3s"`
	RegistryFailureThreshold int           `envconfig:"REGISTRY_FAILURE_THRESHOLD" default:"3"`

	// Proactive monitor.
	MonitorPeriod           time.Duration `envconfig:"MONITOR_PERIOD" default:"60s"`
	MonitorMaxParallelRules int           `envconfig:"MONITOR_MAX_PARALLEL_RULES" default:"4"`
	MonitorRulesFile        string        `envconfig:"MONITOR_RULES_FILE"`

	// Alert delivery. An empty sink URL means alerts go to the log only.
	MonitorSinkURL    string `envconfig:"MONITOR_SINK_URL"`
	MonitorSinkSecret string `envconfig:"MONITOR_SINK_SECRET"`

	Telemetry TelemetryConfig `ignored:"true"`
}

// TelemetryConfig follows the conventional unprefixed OTEL_* variables.
type TelemetryConfig struct {
	Enabled      bool   `envconfig:"OTEL_ENABLED" default:"true"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"aegis-gateway"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("aegis", &c); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := envconfig.Process("", &c.Telemetry); err != nil {
		return nil, fmt.Errorf("load telemetry config: %w", err)
	}
	return &c, nil
}

// SeedEntry binds one capability to a tool service address in the registry
// seed file.
type SeedEntry struct {
	Capability  string `yaml:"capability"`
	Address     string `yaml:"address"`
	Idempotent  bool   `yaml:"idempotent"`
	Description string `yaml:"description"`
}

// LoadSeed parses the registry seed file.
func LoadSeed(path string) ([]SeedEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry seed: %w", err)
	}
	var entries []SeedEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse registry seed: %w", err)
	}
	for i, e := range entries {
		if e.Capability == "" || e.Address == "" {
			return nil, fmt.Errorf("registry seed entry %d: capability and address are required", i)
		}
	}
	return entries, nil
}

// ruleSpec is the YAML shape of one watch rule. Cooldown is a duration
// string ("300s", "5m") rather than raw nanoseconds.
type ruleSpec struct {
	ID         string         `yaml:"id"`
	Capability string         `yaml:"capability"`
	Params     map[string]any `yaml:"params"`
	Predicate  string         `yaml:"predicate"`
	Severity   string         `yaml:"severity"`
	Cooldown   string         `yaml:"cooldown"`
}

// LoadRules parses the watch-rule definitions file. Predicates are compiled
// later, when the rules are handed to the monitor.
func LoadRules(path string) ([]models.WatchRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watch rules: %w", err)
	}
	var specs []ruleSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse watch rules: %w", err)
	}

	rules := make([]models.WatchRule, 0, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("watch rule %d: id is required", i)
		}
		var cooldown time.Duration
		if s.Cooldown != "" {
			cooldown, err = time.ParseDuration(s.Cooldown)
			if err != nil {
				return nil, fmt.Errorf("watch rule %q: bad cooldown: %w", s.ID, err)
			}
		}
		rules = append(rules, models.WatchRule{
			ID:         s.ID,
			Capability: s.Capability,
			Params:     s.Params,
			Predicate:  s.Predicate,
			Severity:   models.Severity(s.Severity),
			Cooldown:   cooldown,
		})
	}
	return rules, nil
}
