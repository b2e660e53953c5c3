// Aegis research service — serves the research capability over the Tavily
// search API, with a canned fallback when the upstream is unavailable so
// research steps degrade instead of failing the whole plan.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/internal/toolsvc"
)

type serviceConfig struct {
	Port int `envconfig:"PORT" default:"8001"`
}

type secrets struct {
	TavilyAPIKey string `envconfig:"TAVILY_API_KEY"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var cfg serviceConfig
	if err := envconfig.Process("research", &cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	var keys secrets
	if err := envconfig.Process("", &keys); err != nil {
		log.Fatal().Err(err).Msg("Failed to load API keys")
	}
	if keys.TavilyAPIKey == "" {
		log.Warn().Msg("TAVILY_API_KEY not set; serving canned research results only")
	}

	client := NewSearchClient(keys.TavilyAPIKey)

	svc := toolsvc.New("aegis-researchsvc", cfg.Port)
	svc.Handle("research", func(ctx context.Context, input map[string]any) (any, error) {
		queries, err := stringSlice(input["queries"])
		if err != nil || len(queries) == 0 {
			return nil, fmt.Errorf("'queries' must be a non-empty list of strings")
		}
		depth, _ := input["search_depth"].(string)
		if depth == "" {
			depth = "basic"
		}

		results := client.Search(ctx, queries, depth)
		log.Info().Int("queries", len(queries)).Str("depth", depth).Msg("research served")
		return map[string]any{"data": results}, nil
	})

	if err := svc.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// stringSlice coerces a decoded JSON array into []string.
func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a list")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("list element is not a string")
		}
		out = append(out, s)
	}
	return out, nil
}
