// Package alert delivers monitor alert events to notification sinks.
//
// Delivery is at-least-once with a small bounded retry: a transiently
// unavailable sink gets a few attempts with backoff, then the event is
// dropped with a logged failure. The monitor never blocks a tick on a
// stuck sink.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/pkg/models"
)

// Sink receives ownership of emitted alert events.
type Sink interface {
	Deliver(ctx context.Context, event models.AlertEvent) error
}

// ── Log Sink ─────────────────────────────────────────────────

// LogSink renders alerts as structured log lines. It is the default sink
// when no webhook is configured and never fails.
type LogSink struct{}

// Deliver writes the event to the log.
func (LogSink) Deliver(_ context.Context, event models.AlertEvent) error {
	log.Warn().
		Str("alert_id", event.ID).
		Str("rule_id", event.RuleID).
		Str("severity", string(event.Severity)).
		Str("message", event.Message).
		Msg("🚨 alert")
	return nil
}

// ── Webhook Sink ─────────────────────────────────────────────

// WebhookSink posts alert events as JSON to a configured URL, with
// optional HMAC-SHA256 signing when a secret is set.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewWebhookSink builds a webhook sink with a bounded HTTP client.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver posts the event once; retry policy lives in the Emitter.
func (s *WebhookSink) Deliver(ctx context.Context, event models.AlertEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aegis-Rule", event.RuleID)
	req.Header.Set("X-Aegis-Severity", string(event.Severity))

	if s.Secret != "" {
		mac := hmac.New(sha256.New, []byte(s.Secret))
		mac.Write(body)
		req.Header.Set("X-Aegis-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.URL)
	}
	return nil
}

// ── Buffer ───────────────────────────────────────────────────

// DefaultBufferCap is how many recent alerts the in-memory buffer retains
// for the alerts API.
const DefaultBufferCap = 100

// Buffer keeps the most recent alerts, newest first. It doubles as a Sink
// so it can sit alongside the delivery sink.
type Buffer struct {
	mu     sync.RWMutex
	cap    int
	events []models.AlertEvent
}

// NewBuffer creates a buffer retaining up to capacity events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &Buffer{cap: capacity}
}

// Deliver prepends the event, evicting the oldest past capacity.
func (b *Buffer) Deliver(_ context.Context, event models.AlertEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append([]models.AlertEvent{event}, b.events...)
	if len(b.events) > b.cap {
		b.events = b.events[:b.cap]
	}
	return nil
}

// Recent returns up to n of the newest alerts (all of them when n <= 0).
func (b *Buffer) Recent(n int) []models.AlertEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.events) {
		n = len(b.events)
	}
	out := make([]models.AlertEvent, n)
	copy(out, b.events[:n])
	return out
}

// ── Emitter ──────────────────────────────────────────────────

// Emitter fans an alert out to every sink, retrying each transient sink
// failure up to MaxAttempts with exponential backoff before dropping the
// event for that sink.
type Emitter struct {
	Sinks       []Sink
	MaxAttempts int
	BackoffBase time.Duration
}

// NewEmitter builds an emitter with the default retry budget.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{
		Sinks:       sinks,
		MaxAttempts: 3,
		BackoffBase: 250 * time.Millisecond,
	}
}

// Emit delivers the event to every sink. Sink failures are independent: a
// dead webhook does not stop the buffer or log sink from recording the
// event. The returned error reports the last drop, if any.
func (e *Emitter) Emit(ctx context.Context, event models.AlertEvent) error {
	var lastErr error
	for _, sink := range e.Sinks {
		if err := e.emitOne(ctx, sink, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (e *Emitter) emitOne(ctx context.Context, sink Sink, event models.AlertEvent) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.BackoffBase
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= e.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}
		lastErr = sink.Deliver(ctx, event)
		if lastErr == nil {
			return nil
		}
	}

	log.Error().
		Err(lastErr).
		Str("alert_id", event.ID).
		Str("rule_id", event.RuleID).
		Int("attempts", e.MaxAttempts).
		Msg("alert dropped after delivery retries")
	return fmt.Errorf("alert %s dropped after %d attempts: %w", event.ID, e.MaxAttempts, lastErr)
}
