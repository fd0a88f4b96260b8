/**
 * @description
 * HTTP router setup for the banklink service using go-chi/chi.
 *
 * @notes
 * - Both the short paths and the /api prefixed paths are served.
 * - Every OPTIONS request is answered with 200 before routing.
 */
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/swipe/banklink-service/internal/metrics"
	"github.com/swipe/banklink-service/pkg/ratelimit"
)

// RouterConfig carries the cross-cutting settings applied by NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Auth is nil when authentication is disabled.
	Auth    func(http.Handler) http.Handler
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewRouter creates a new Chi router and registers the banklink routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var observe func(string, int)
	if cfg.Metrics != nil {
		observe = cfg.Metrics.ObserveHTTP
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger, observe))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowedMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:     []string{"Link", "Retry-After"},
		AllowCredentials:   allowCredentials(cfg.AllowedOrigins),
		OptionsPassthrough: true,
		MaxAge:             300,
	}))
	r.Use(OptionsOK)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
		}

		r.Group(func(r chi.Router) {
			if cfg.Limiter != nil {
				r.Use(RateLimitMiddleware(cfg.Limiter, logger))
			}
			r.Post("/link-token", h.handleCreateLinkToken)
			r.Post("/api/plaid/create_link_token", h.handleCreateLinkToken)
			r.Post("/exchange-token", h.handleExchangeToken)
			r.Post("/api/plaid/exchange_token", h.handleExchangeToken)
			r.Post("/transactions", h.handleTransactions)
			r.Post("/api/plaid/transactions", h.handleTransactions)
		})

		for _, prefix := range []string{"", "/api"} {
			r.Get(prefix+"/user/{userId}/banks", h.handleListBanks)
			r.Post(prefix+"/user/{userId}/banks", h.handleUpsertBank)
			r.Patch(prefix+"/user/{userId}/banks/{institutionId}", h.handlePatchBank)
			r.Delete(prefix+"/user/{userId}/banks/{institutionId}", h.handleDeleteBank)
		}
	})

	return r
}

// allowCredentials is false whenever any origin is the bare "*" wildcard.
func allowCredentials(origins []string) bool {
	if len(origins) == 0 {
		return false
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return false
		}
	}
	return true
}
