package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegis-fin/aegis/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.PlanMaxInFlight != 4 {
		t.Errorf("PlanMaxInFlight = %d, want 4", cfg.PlanMaxInFlight)
	}
	if cfg.DispatchDeadline != 15*time.Second {
		t.Errorf("DispatchDeadline = %s, want 15s", cfg.DispatchDeadline)
	}
	if cfg.MonitorPeriod != 60*time.Second {
		t.Errorf("MonitorPeriod = %s, want 60s", cfg.MonitorPeriod)
	}
	if cfg.RegistryFailureThreshold != 3 {
		t.Errorf("RegistryFailureThreshold = %d, want 3", cfg.RegistryFailureThreshold)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AEGIS_PORT", "9090")
	t.Setenv("AEGIS_PLAN_DEADLINE", "45s")
	t.Setenv("AEGIS_MONITOR_SINK_URL", "https://hooks.example.com/aegis")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.PlanDeadline != 45*time.Second {
		t.Errorf("PlanDeadline = %s, want 45s", cfg.PlanDeadline)
	}
	if cfg.MonitorSinkURL != "https://hooks.example.com/aegis" {
		t.Errorf("MonitorSinkURL = %q", cfg.MonitorSinkURL)
	}
}

func TestLoadSeed(t *testing.T) {
	path := writeFile(t, "seed.yaml", `
- capability: market_data
  address: http://127.0.0.1:8002
  idempotent: true
  description: intraday and daily bars
- capability: portfolio_data
  address: http://127.0.0.1:8003
  idempotent: true
`)
	entries, err := config.LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Capability != "market_data" || !entries[0].Idempotent {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].Address != "http://127.0.0.1:8003" {
		t.Errorf("entry[1] address = %q", entries[1].Address)
	}
}

func TestLoadSeedRejectsIncompleteEntries(t *testing.T) {
	path := writeFile(t, "seed.yaml", `
- capability: market_data
`)
	if _, err := config.LoadSeed(path); err == nil {
		t.Fatal("LoadSeed accepted an entry without an address")
	}
}

func TestLoadRules(t *testing.T) {
	path := writeFile(t, "rules.yaml", `
- id: tsla-move
  capability: market_data
  params:
    symbol: TSLA
    time_range: INTRADAY
  predicate: "abs(change) > 2.0"
  severity: critical
  cooldown: 300s
- id: nvda-news
  capability: research
  params:
    queries: ["NVDA stock news"]
  predicate: "output != nil"
`)
	rules, err := config.LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}

	r := rules[0]
	if r.ID != "tsla-move" || r.Capability != "market_data" {
		t.Errorf("rule[0] = %+v", r)
	}
	if r.Cooldown != 300*time.Second {
		t.Errorf("cooldown = %s, want 300s", r.Cooldown)
	}
	if r.Params["symbol"] != "TSLA" {
		t.Errorf("params = %v", r.Params)
	}
	if rules[1].Cooldown != 0 {
		t.Errorf("rule without cooldown = %s, want 0", rules[1].Cooldown)
	}
}

func TestLoadRulesRejectsBadInput(t *testing.T) {
	missing := writeFile(t, "rules.yaml", `
- capability: market_data
  predicate: "change > 1"
`)
	if _, err := config.LoadRules(missing); err == nil {
		t.Fatal("LoadRules accepted a rule without an id")
	}

	badCooldown := writeFile(t, "rules2.yaml", `
- id: r
  capability: market_data
  predicate: "change > 1"
  cooldown: soonish
`)
	if _, err := config.LoadRules(badCooldown); err == nil {
		t.Fatal("LoadRules accepted an unparseable cooldown")
	}

	if _, err := config.LoadRules(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadRules accepted a missing file")
	}
}
