package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const alphaVantageURL = "https://www.alphavantage.co/query"

// Series is a time-keyed bar map in Alpha Vantage's wire shape:
// "1. open", "2. high", "3. low", "4. close", "5. volume", all strings.
type Series map[string]map[string]string

var rangeDays = map[string]int{
	"1D": 1, "3D": 3, "1W": 7, "1M": 30, "3M": 90, "1Y": 365,
}

// QuoteClient fetches market data from Alpha Vantage, with a deterministic
// simulated fallback when no API key is set or the upstream call fails, so
// the rest of the system keeps working through rate limits and outages.
type QuoteClient struct {
	apiKey string
	http   *resty.Client
	nowFn  func() time.Time
}

// NewQuoteClient builds a client. An empty key means simulation only.
func NewQuoteClient(apiKey string) *QuoteClient {
	return &QuoteClient{
		apiKey: apiKey,
		http:   resty.New().SetTimeout(10 * time.Second),
		nowFn:  time.Now,
	}
}

// Fetch returns the bar series and metadata for a symbol over a time range
// ("INTRADAY" or one of 1D/3D/1W/1M/3M/1Y).
func (c *QuoteClient) Fetch(ctx context.Context, symbol, timeRange string) (Series, map[string]any, error) {
	if c.apiKey == "" {
		log.Info().Str("symbol", symbol).Msg("no API key configured; serving simulated data")
		series, meta := c.mockSeries(symbol, timeRange)
		return series, meta, nil
	}

	series, meta, err := c.fetchReal(ctx, symbol, timeRange)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("upstream market data failed; serving simulated fallback")
		series, meta := c.mockSeries(symbol, timeRange)
		return series, meta, nil
	}
	return series, meta, nil
}

func (c *QuoteClient) fetchReal(ctx context.Context, symbol, timeRange string) (Series, map[string]any, error) {
	params := map[string]string{
		"symbol": symbol,
		"apikey": c.apiKey,
	}
	seriesKey := "Time Series (Daily)"
	if timeRange == "INTRADAY" {
		params["function"] = "TIME_SERIES_INTRADAY"
		params["interval"] = "5min"
		params["outputsize"] = "compact"
		seriesKey = "Time Series (5min)"
	} else {
		params["function"] = "TIME_SERIES_DAILY"
		params["outputsize"] = "full"
	}

	raw := map[string]any{}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&raw).
		Get(alphaVantageURL)
	if err != nil {
		return nil, nil, err
	}
	if resp.IsError() {
		return nil, nil, fmt.Errorf("alpha vantage HTTP %d", resp.StatusCode())
	}
	if msg, ok := raw["Error Message"].(string); ok && msg != "" {
		return nil, nil, fmt.Errorf("alpha vantage: %s", msg)
	}
	if note, ok := raw["Note"].(string); ok && note != "" {
		// The free tier answers rate-limited calls with 200 + a Note.
		return nil, nil, fmt.Errorf("alpha vantage rate limited: %s", note)
	}

	seriesRaw, ok := raw[seriesKey].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("alpha vantage response missing %q", seriesKey)
	}
	series := make(Series, len(seriesRaw))
	for ts, v := range seriesRaw {
		bar, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out := make(map[string]string, len(bar))
		for k, field := range bar {
			if s, ok := field.(string); ok {
				out[k] = s
			}
		}
		series[ts] = out
	}
	if timeRange != "INTRADAY" {
		series = filterByRange(series, timeRange, c.nowFn())
	}

	meta := map[string]any{"Source": "Real API (Alpha Vantage)"}
	if md, ok := raw["Meta Data"].(map[string]any); ok {
		for k, v := range md {
			meta[k] = v
		}
	}
	return series, meta, nil
}

// filterByRange drops daily bars older than the requested window.
func filterByRange(series Series, timeRange string, now time.Time) Series {
	days, ok := rangeDays[timeRange]
	if !ok {
		days = 30
	}
	cutoff := now.AddDate(0, 0, -days)

	filtered := make(Series, len(series))
	for ts, bar := range series {
		t, err := time.Parse("2006-01-02", ts)
		if err != nil || !t.Before(cutoff) {
			filtered[ts] = bar
		}
	}
	return filtered
}

// basePrices pins familiar symbols to recognizable levels in simulation.
var basePrices = map[string]float64{
	"AAPL": 150.0, "TSLA": 250.0, "NVDA": 450.0,
	"MSFT": 350.0, "GOOG": 130.0, "GOOGL": 130.0, "AMZN": 140.0,
}

// mockSeries generates a plausible bar series. Seeded by symbol and date,
// so the shape is stable within a day but drifts across days.
func (c *QuoteClient) mockSeries(symbol, timeRange string) (Series, map[string]any) {
	now := c.nowFn()
	day := now.Format("2006-01-02")

	h := fnv.New64a()
	h.Write([]byte(symbol + "_" + day))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	base, ok := basePrices[symbol]
	if !ok {
		symbolHash := 0
		for _, ch := range symbol {
			symbolHash += int(ch)
		}
		base = float64(symbolHash%500) + 50
	}

	numPoints := 100
	step := 5 * time.Minute
	stamp := "2006-01-02 15:04:05"
	if timeRange != "INTRADAY" {
		if days, ok := rangeDays[timeRange]; ok {
			numPoints = days
		} else {
			numPoints = 30
		}
		step = 24 * time.Hour
		stamp = "2006-01-02"
	}

	trend := 1.0
	if rng.Intn(2) == 0 {
		trend = -1.0
	}
	volatility := base * 0.02
	trendStrength := base * 0.001
	price := base

	series := make(Series, numPoints)
	for i := 0; i < numPoints; i++ {
		noise := (rng.Float64()*2 - 1) * volatility
		cycle1 := base * 0.02 * math.Sin(float64(i)/8.0)
		cycle2 := base * 0.01 * math.Sin(float64(i)/3.0)
		price += noise + trend*trendStrength
		final := math.Max(1.0, price+cycle1+cycle2)

		t := now.Add(-step * time.Duration(numPoints-i-1))
		series[t.Format(stamp)] = map[string]string{
			"1. open":   strconv.FormatFloat(final, 'f', 2, 64),
			"2. high":   strconv.FormatFloat(final+volatility*0.3, 'f', 2, 64),
			"3. low":    strconv.FormatFloat(final-volatility*0.3, 'f', 2, 64),
			"4. close":  strconv.FormatFloat(final+(rng.Float64()*0.2-0.1), 'f', 2, 64),
			"5. volume": strconv.Itoa(100000 + rng.Intn(4900000)),
		}
	}

	meta := map[string]any{
		"Information": fmt.Sprintf("Mock Data (%s) - API Limit/Error", timeRange),
		"Source":      "Simulated (Fallback)",
	}
	return series, meta
}

// summarize derives the latest price and the percent change against a
// baseline a few bars back (15 minutes for intraday, the window start
// otherwise). Watch predicates key off these fields.
func summarize(series Series, timeRange string) (price, change float64) {
	if len(series) == 0 {
		return 0, 0
	}
	keys := make([]string, 0, len(series))
	for ts := range series {
		keys = append(keys, ts)
	}
	sort.Strings(keys)

	latest := closeOf(series[keys[len(keys)-1]])
	baselineIdx := 0
	if timeRange == "INTRADAY" && len(keys) > 3 {
		baselineIdx = len(keys) - 4
	}
	baseline := closeOf(series[keys[baselineIdx]])

	if baseline != 0 {
		change = (latest - baseline) / baseline * 100
	}
	return latest, change
}

func closeOf(bar map[string]string) float64 {
	v, err := strconv.ParseFloat(bar["4. close"], 64)
	if err != nil {
		return 0
	}
	return v
}
