// Package toolsvc is the shared scaffolding for tool services: small HTTP
// servers that expose capabilities behind the gateway's invoke contract.
//
// A tool service registers one handler per capability, serves POST /invoke
// and GET /healthz, and reports application failures inside the response
// body rather than via HTTP status, so the gateway can tell a broken
// transport from a tool that answered "no".
package toolsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/aegis-fin/aegis/internal/api/middleware"
	"github.com/aegis-fin/aegis/pkg/models"
)

// HandlerFunc executes one capability. The returned value is marshaled into
// the response output; a returned error becomes an application-level
// failure the gateway will not retry.
type HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

// Service is one tool service process.
type Service struct {
	name     string
	port     int
	handlers map[string]HandlerFunc
}

// New creates a tool service.
func New(name string, port int) *Service {
	return &Service{
		name:     name,
		port:     port,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle binds a capability name to its handler.
func (s *Service) Handle(capability string, fn HandlerFunc) {
	s.handlers[capability] = fn
}

// Router builds the HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": s.name,
		})
	})
	r.Post("/invoke", s.handleInvoke)
	return r
}

func (s *Service) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req models.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, &models.InvokeResponse{Status: "error", Error: "invalid invoke request body"})
		return
	}

	fn, ok := s.handlers[req.Capability]
	if !ok {
		writeResponse(w, &models.InvokeResponse{
			Status: "error",
			Error:  fmt.Sprintf("capability %q not served by %s", req.Capability, s.name),
		})
		return
	}

	ctx := r.Context()
	if req.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMs)*time.Millisecond)
		defer cancel()
	}

	out, err := fn(ctx, req.Input)
	if err != nil {
		log.Warn().
			Str("capability", req.Capability).
			Str("correlation_id", req.CorrelationID).
			Err(err).
			Msg("invocation failed")
		writeResponse(w, &models.InvokeResponse{Status: "error", Error: err.Error()})
		return
	}

	raw, err := json.Marshal(out)
	if err != nil {
		writeResponse(w, &models.InvokeResponse{Status: "error", Error: "marshal output: " + err.Error()})
		return
	}
	writeResponse(w, &models.InvokeResponse{Status: "ok", Output: raw})
}

func writeResponse(w http.ResponseWriter, resp *models.InvokeResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Run serves until SIGINT/SIGTERM or context cancellation, then shuts down
// gracefully.
func (s *Service) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		log.Info().Str("service", s.name).Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("service", s.name).Int("port", s.port).Msg("tool service listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
