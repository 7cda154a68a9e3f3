// Package httpapi exposes the studio's REST surface: credit balances,
// checkout, metered generation, and usage stats.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blaketurner-numberedge/ai-content-studio/internal/analytics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/config"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/generation"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/ledger"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metering"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/metrics"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/payments"
	"github.com/blaketurner-numberedge/ai-content-studio/internal/pricing"
)

type Server struct {
	cfg       config.Config
	ledger    *ledger.Store
	pricing   *pricing.Table
	gate      *metering.Gate
	payments  *payments.Service
	events    *analytics.Recorder
	generator generation.Generator
	metrics   *metrics.Metrics
}

func NewServer(
	cfg config.Config,
	l *ledger.Store,
	p *pricing.Table,
	gate *metering.Gate,
	pay *payments.Service,
	events *analytics.Recorder,
	gen generation.Generator,
	m *metrics.Metrics,
) *Server {
	return &Server{
		cfg:       cfg,
		ledger:    l,
		pricing:   p,
		gate:      gate,
		payments:  pay,
		events:    events,
		generator: gen,
		metrics:   m,
	}
}

// loggingRecoverer recovers panics and logs them with the request id.
func loggingRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				reqID := middleware.GetReqID(r.Context())
				log.Printf("[ERROR] [%s] Panic recovered in %s %s: %v\n%s",
					reqID, r.Method, r.URL.Path, rvr, debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				errMsg := fmt.Sprintf("internal server error: %v", rvr)
				_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("[%s] %s %s %d %s",
				reqID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingRecoverer)
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/credits/balance", s.handleBalance)
		r.Get("/credits/tiers", s.handleTiers)
		r.Post("/credits/checkout", s.handleCreateCheckout)
		r.Post("/credits/verify", s.handleVerifyPayment)
		r.Get("/credits/history", s.handlePaymentHistory)

		r.Post("/generate", s.handleGenerate)
		r.Post("/generate/batch", s.handleGenerateBatch)
		r.Get("/models/costs", s.handleModelCosts)

		r.Post("/events", s.handleRecordEvent)

		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		// admin surface, gated by X-API-Key
		r.Group(func(r chi.Router) {
			r.Use(s.adminAPIKeyMiddleware)

			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminAPIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" || r.Header.Get("X-API-Key") != s.cfg.AdminAPIKey {
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
