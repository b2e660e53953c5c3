// Aegis core — capability gateway and proactive monitor.
//
// This is the main entry point for the Aegis gateway server. It provides:
//   - Service Registry (capability → tool service endpoints, health checked)
//   - Gateway/Orchestrator (dependency-aware plan dispatch)
//   - Proactive Monitor (watch rules evaluated on a fixed cadence)
//   - Alert delivery (log, in-memory feed, optional signed webhook)

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/internal/alert"
	"github.com/aegis-fin/aegis/internal/api"
	"github.com/aegis-fin/aegis/internal/api/handlers"
	"github.com/aegis-fin/aegis/internal/config"
	"github.com/aegis-fin/aegis/internal/gateway"
	"github.com/aegis-fin/aegis/internal/monitor"
	"github.com/aegis-fin/aegis/internal/registry"
	"github.com/aegis-fin/aegis/internal/telemetry"
	"github.com/aegis-fin/aegis/pkg/models"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("🛡️ Aegis core starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	defer shutdownTracing(ctx)

	// Registry, optionally seeded from file. Services can also register
	// at runtime through the API.
	reg := registry.New()
	if cfg.RegistrySeedFile != "" {
		entries, err := config.LoadSeed(cfg.RegistrySeedFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.RegistrySeedFile).Msg("Failed to load registry seed")
		}
		for _, e := range entries {
			reg.Register(models.Capability{
				Name:        e.Capability,
				Description: e.Description,
				Idempotent:  e.Idempotent,
			}, e.Address)
		}
		log.Info().Int("entries", len(entries)).Str("file", cfg.RegistrySeedFile).Msg("registry seeded")
	}

	checker := registry.NewHealthChecker(reg, nil,
		cfg.RegistryProbeInterval, cfg.RegistryProbeTimeout, cfg.RegistryFailureThreshold)
	checker.Start(ctx)
	defer checker.Stop()

	gw := gateway.New(reg, nil, gateway.Options{
		MaxInFlight:      cfg.PlanMaxInFlight,
		DispatchDeadline: cfg.DispatchDeadline,
		MaxRetries:       cfg.DispatchMaxRetries,
		PlanDeadline:     cfg.PlanDeadline,
	})

	// Alert sinks: always the log and the in-memory feed; a webhook when
	// configured.
	buffer := alert.NewBuffer(alert.DefaultBufferCap)
	sinks := []alert.Sink{alert.LogSink{}, buffer}
	if cfg.MonitorSinkURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.MonitorSinkURL, cfg.MonitorSinkSecret))
		log.Info().Str("url", cfg.MonitorSinkURL).Msg("webhook alert sink enabled")
	}
	emitter := alert.NewEmitter(sinks...)

	mon := monitor.New(gw, emitter, cfg.MonitorPeriod, cfg.MonitorMaxParallelRules)
	if cfg.MonitorRulesFile != "" {
		rules, err := config.LoadRules(cfg.MonitorRulesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.MonitorRulesFile).Msg("Failed to load watch rules")
		}
		for _, wr := range rules {
			rule, err := monitor.CompileRule(wr)
			if err != nil {
				log.Fatal().Err(err).Str("rule_id", wr.ID).Msg("Failed to compile watch rule")
			}
			mon.AddRule(rule)
		}
	}
	mon.Start(ctx)
	defer mon.Stop()

	h := handlers.New(gw, reg, mon, buffer)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(cfg, h),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", cfg.Port).
		Msg("🛡️ Aegis gateway ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
