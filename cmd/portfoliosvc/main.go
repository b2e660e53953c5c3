// Aegis portfolio service — serves the portfolio_data capability from a
// local SQLite holdings database. Questions name a symbol directly or in
// free text; without one the whole portfolio comes back.

package main

import (
	"context"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/internal/toolsvc"
)

type serviceConfig struct {
	Port   int    `envconfig:"PORT" default:"8003"`
	DBFile string `envconfig:"DB_FILE" default:"portfolio.db"`
}

var tickerPattern = regexp.MustCompile(`\b[A-Z]{1,5}\b`)

// Words that look like tickers but are just question noise.
var ignoredWords = map[string]bool{
	"WHAT": true, "IS": true, "THE": true, "TO": true, "OF": true, "FOR": true,
	"IN": true, "AND": true, "OR": true, "SHOW": true, "ME": true, "DATA": true,
	"STOCK": true, "PRICE": true, "DO": true, "WE": true, "OWN": true,
	"HAVE": true, "ANY": true, "EXPOSURE": true, "CURRENT": true,
}

// extractSymbol pulls the first plausible ticker out of a free-text
// question. Empty when the question names none.
func extractSymbol(question string) string {
	for _, match := range tickerPattern.FindAllString(strings.ToUpper(question), -1) {
		if !ignoredWords[match] {
			return match
		}
	}
	return ""
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var cfg serviceConfig
	if err := envconfig.Process("portfolio", &cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	store, err := OpenStore(ctx, cfg.DBFile)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBFile).Msg("Failed to open portfolio store")
	}
	defer store.Close()
	log.Info().Str("db", cfg.DBFile).Msg("portfolio store ready")

	svc := toolsvc.New("aegis-portfoliosvc", cfg.Port)
	svc.Handle("portfolio_data", func(ctx context.Context, input map[string]any) (any, error) {
		symbol, _ := input["symbol"].(string)
		if symbol == "" {
			if question, ok := input["question"].(string); ok {
				symbol = extractSymbol(question)
			}
		}
		symbol = strings.ToUpper(strings.TrimSpace(symbol))

		if symbol != "" {
			h, err := store.BySymbol(ctx, symbol)
			if err != nil {
				return nil, err
			}
			holdings := []Holding{}
			if h != nil {
				holdings = append(holdings, *h)
			}
			return map[string]any{
				"symbol":   symbol,
				"held":     h != nil,
				"holdings": holdings,
				"count":    len(holdings),
			}, nil
		}

		all, err := store.All(ctx)
		if err != nil {
			return nil, err
		}
		if all == nil {
			all = []Holding{}
		}
		return map[string]any{
			"holdings": all,
			"count":    len(all),
		}, nil
	})

	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
