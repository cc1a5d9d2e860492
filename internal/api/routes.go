package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the router. metricsHandler serves /metrics when non-nil.
func (h *Handler) Routes(m *Middleware, metricsHandler http.Handler, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(corsOrigins))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// Live updates; hijacked connections skip compression and timeouts
		if h.wsHub != nil {
			r.Get("/ws", h.HandleWebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(m.RateLimit(rateLimitRPM))
			r.Use(m.Compress)
			r.Use(m.Timeout(15 * time.Second))

			// JSON-RPC endpoint
			r.Post("/jsonrpc", h.HandleJSONRPC)

			// Markets
			r.Route("/markets", func(r chi.Router) {
				r.Get("/", h.ListMarkets)
				r.Post("/", h.CreateMarket)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetMarket)
					r.Post("/rebalance", h.Rebalance)
					r.Post("/deposit", h.Deposit)
					r.Post("/withdraw", h.Withdraw)
					r.Get("/reserves", h.GetReserves)
					r.Get("/lp-units", h.GetLPUnits)
					r.Get("/value", h.GetValue)

					if h.events != nil {
						r.Get("/events", h.ListEvents)
					}
					if h.config != nil && h.config.Oracle.Writable {
						r.Post("/oracle", h.SetOracleRate)
					}
				})
			})
		})
	})

	return r
}
