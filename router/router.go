/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway router with middleware chain:
             CORS → Security Headers → Request ID → Recoverer
             → Request Logger → Body Size Limit → Rate Limit
             → Request Timeout → Idempotency.
             Routes: /healthz, /ready, /metrics, /v1/idempotency/*,
             /v1/echo (a sample idempotent endpoint).
Root Cause:  Sprint tasks T011-T024 — gateway core.
Context:     Router design affects all downstream handlers. The
             idempotency middleware sits last in the chain so every
             ambient concern (CORS, rate limiting, body limits,
             deadlines) has already run before a request is admitted.
Suitability: L3 model for proper middleware chain design.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/idempotency-gateway/config"
	"github.com/AlfredDev/idempotency-gateway/handler"
	gwmw "github.com/AlfredDev/idempotency-gateway/middleware"
	"github.com/AlfredDev/idempotency-gateway/observability"
	"github.com/AlfredDev/idempotency-gateway/tracker"
)

// NewRouter returns a configured chi Router with the full middleware
// chain and all API routes mounted. metrics may be nil.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, t *tracker.Tracker, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection
	r.Use(gwmw.RequestIDMiddleware)

	// 4. Panic recovery
	r.Use(chimw.Recoverer)

	// 5. Request logger
	r.Use(mwRequestLogger(appLogger))

	// 6. Body size limit
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no tracking) ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"idempotency-gateway"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"idempotency-gateway"}`))
	})

	// Prometheus metrics endpoint — no tracking required
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg.RequestTimeoutDefault, cfg.RequestTimeoutMax)
	idempotencyMW := gwmw.NewIdempotency(t, cfg.IdempotentMethods, nil, metrics, appLogger)
	idempotencyHandler := handler.NewIdempotencyHandler(t, appLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimiter.Handler)
		r.Use(timeoutMW.Handler)

		// Admin inspection API — not itself idempotency-tracked.
		r.Get("/idempotency/stats", idempotencyHandler.Stats)
		r.Get("/idempotency/{id}", idempotencyHandler.Get)
		r.Delete("/idempotency/{id}", idempotencyHandler.Delete)

		// Sample idempotent endpoint, guarded by the Idempotency-Key
		// middleware — demonstrates the full admission chain.
		r.With(idempotencyMW.Handler).Post("/echo", echoHandler)
	})

	return r
}

// echoHandler is a minimal sample handler for exercising the
// idempotency middleware: it mints a new resource id and echoes the
// request body back as JSON. Without idempotency protection, a client
// retry would mint a second id for the same logical request; behind
// the middleware a retry instead replays the first response verbatim.
func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to read body"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"resource_id": uuid.New().String(),
		"echoed_at":   time.Now().UTC().Format(time.RFC3339),
		"body":        json.RawMessage(body),
	})
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow env override
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := r.Header.Get("X-Request-ID")
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
