// Package api exposes the admin and health HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
	"github.com/llmrank/mindshare-crawler/internal/metrics"
	"github.com/llmrank/mindshare-crawler/internal/orchestrator"
	"github.com/llmrank/mindshare-crawler/internal/policy/breaker"
	"github.com/llmrank/mindshare-crawler/internal/store"
)

// BatchController is the live batch handle the drain endpoint talks to.
type BatchController interface {
	Progress() orchestrator.Snapshot
	RequestDrain()
}

// ProviderInspector reports breaker state for one provider.
type ProviderInspector interface {
	Snapshot(providerID string) breaker.Snapshot
}

// TokenReader reports the current rate limiter token level.
type TokenReader interface {
	Tokens(providerID string) float64
}

// ProviderCatalog resolves known provider ids.
type ProviderCatalog interface {
	Config(id string) (crawl.ProviderConfig, error)
}

// Config carries the server's own knobs.
type Config struct {
	AuthEnabled bool
	APIKey      string
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router     chi.Router
	logger     *zap.Logger
	batches    crawl.BatchStore
	controller BatchController
	breakers   ProviderInspector
	tokens     TokenReader
	catalog    ProviderCatalog
}

// NewServer constructs a Server with middleware and routes. controller may
// be nil when no batch is live.
func NewServer(
	cfg Config,
	logger *zap.Logger,
	batches crawl.BatchStore,
	controller BatchController,
	breakers ProviderInspector,
	tokens TokenReader,
	catalog ProviderCatalog,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:     logger,
		batches:    batches,
		controller: controller,
		breakers:   breakers,
		tokens:     tokens,
		catalog:    catalog,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/batches/{batch_id}", func(r chi.Router) {
			r.Get("/", s.getBatch)
			r.Post("/drain", s.drainBatch)
		})
		r.Get("/providers/{provider_id}/state", s.getProviderState)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.batches == nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "batch store not configured")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")

	// The live batch answers from memory so counters are current even
	// between store flushes.
	if s.controller != nil {
		if snap := s.controller.Progress(); snap.BatchID == batchID {
			writeJSON(s.logger, w, http.StatusOK, snap)
			return
		}
	}
	b, err := s.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "batch lookup failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, orchestrator.Snapshot{
		BatchID:      b.ID,
		Status:       b.Status,
		Counters:     b.Counters,
		SoftDeadline: b.SoftDeadline,
		HardDeadline: b.HardDeadline,
	})
}

func (s *Server) drainBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if s.controller == nil {
		writeError(s.logger, w, http.StatusConflict, "no batch is running")
		return
	}
	snap := s.controller.Progress()
	if snap.BatchID != batchID {
		writeError(s.logger, w, http.StatusNotFound, "batch is not running")
		return
	}
	s.controller.RequestDrain()
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{
		"batch_id": batchID,
		"status":   string(crawl.BatchStatusDraining),
	})
}

type providerState struct {
	ProviderID string           `json:"provider_id"`
	Tier       crawl.Tier       `json:"tier"`
	Breaker    breaker.Snapshot `json:"breaker"`
	Tokens     float64          `json:"tokens"`
}

func (s *Server) getProviderState(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider_id")
	cfg, err := s.catalog.Config(providerID)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "provider not found")
		return
	}
	state := providerState{
		ProviderID: cfg.ID,
		Tier:       cfg.Tier,
	}
	if s.breakers != nil {
		state.Breaker = s.breakers.Snapshot(providerID)
	}
	if s.tokens != nil {
		state.Tokens = s.tokens.Tokens(providerID)
	}
	writeJSON(s.logger, w, http.StatusOK, state)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, elapsed)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
