// Aegis market data service — serves the market_data capability from Alpha
// Vantage, with a deterministic simulated fallback when the upstream is
// unavailable or no API key is configured.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/internal/toolsvc"
)

type serviceConfig struct {
	Port int `envconfig:"PORT" default:"8002"`
}

type secrets struct {
	AlphaVantageAPIKey string `envconfig:"ALPHA_VANTAGE_API_KEY"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var cfg serviceConfig
	if err := envconfig.Process("market", &cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	var keys secrets
	if err := envconfig.Process("", &keys); err != nil {
		log.Fatal().Err(err).Msg("Failed to load API keys")
	}
	if keys.AlphaVantageAPIKey == "" {
		log.Warn().Msg("ALPHA_VANTAGE_API_KEY not set; serving simulated market data only")
	}

	client := NewQuoteClient(keys.AlphaVantageAPIKey)

	svc := toolsvc.New("aegis-marketsvc", cfg.Port)
	svc.Handle("market_data", func(ctx context.Context, input map[string]any) (any, error) {
		symbol, _ := input["symbol"].(string)
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			return nil, fmt.Errorf("'symbol' is required")
		}
		timeRange, _ := input["time_range"].(string)
		if timeRange == "" {
			timeRange = "INTRADAY"
		}

		series, meta, err := client.Fetch(ctx, symbol, timeRange)
		if err != nil {
			return nil, err
		}
		price, change := summarize(series, timeRange)

		log.Info().
			Str("symbol", symbol).
			Str("time_range", timeRange).
			Float64("price", price).
			Float64("change", change).
			Int("points", len(series)).
			Msg("market data served")

		return map[string]any{
			"symbol":     symbol,
			"time_range": timeRange,
			"price":      price,
			"change":     change,
			"data":       series,
			"meta_data":  meta,
		}, nil
	})

	if err := svc.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
