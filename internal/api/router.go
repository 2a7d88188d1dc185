package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/agentoven/newswire/internal/api/handlers"
	"github.com/agentoven/newswire/internal/api/middleware"
	"github.com/agentoven/newswire/internal/config"
	"github.com/agentoven/newswire/internal/telemetry"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Options carries the pieces of the router built elsewhere.
type Options struct {
	APIKeys *middleware.APIKeyAuth
	Metrics *telemetry.Metrics
	A2A     http.Handler // agent protocol surface, mounted at /a2a
	Ping    func(ctx context.Context) error
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if opts.APIKeys != nil {
		r.Use(opts.APIKeys.Middleware)
	}

	// Health & info
	r.Get("/health", healthHandler(opts.Ping))
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", opts.Metrics.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.Status)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{planID}", h.GetPlan)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", h.ListSubscriptions)
			r.Route("/{subscriptionID}", func(r chi.Router) {
				r.Get("/", h.GetSubscription)
				r.Get("/deliveries", h.ListDeliveries)
				r.Get("/payments", h.ListPayments)
				r.Post("/cancel", h.CancelSubscription)
			})
		})

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", h.ListThreads)
			r.Get("/{threadID}/messages", h.ReadThread)
		})

		// Webhook targets for agents reached by push
		r.Route("/endpoints", func(r chi.Router) {
			r.Get("/", h.ListEndpoints)
			r.Put("/{participantID}", h.PutEndpoint)
			r.Delete("/{participantID}", h.DeleteEndpoint)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.ListAuditEvents)
			r.Get("/count", h.CountAuditEvents)
		})

		r.Get("/channels", h.ListChannels)
		r.Post("/scheduler/tick", h.TriggerTick)
		r.Post("/retention/run", h.TriggerRetention)

		r.Route("/sandbox/transactions", func(r chi.Router) {
			r.Get("/", h.ListSandboxTransactions)
			r.Post("/", h.RecordSandboxTransaction)
			r.Post("/{hash}/finalize", h.FinalizeSandboxTransaction)
		})
	})

	// A2A surface: agents post and poll thread messages here
	r.Route("/a2a", func(r chi.Router) {
		r.Get("/.well-known/agent-card.json", agentCardHandler(cfg))
		if opts.A2A != nil {
			r.Mount("/", opts.A2A)
		}
	})

	return r
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status":  "unhealthy",
					"service": "newswire",
					"error":   err.Error(),
				})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "newswire",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "newswire",
		})
	}
}

func agentCardHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card := map[string]interface{}{
			"name":        "Newswire",
			"description": "Agent-to-agent news subscriptions: discover plans, pay on a ledger, receive scheduled digests",
			"version":     cfg.Version,
			"supportedInterfaces": []map[string]string{
				{
					"url":             r.Host + "/a2a",
					"protocolBinding": "http+json",
					"protocolVersion": "1.0",
				},
			},
			"capabilities": map[string]bool{
				"streaming":         false,
				"pushNotifications": true,
			},
			"skills": []map[string]string{
				{"id": "list_plans", "name": "List subscription plans"},
				{"id": "subscribe", "name": "Subscribe to a news plan"},
				{"id": "confirm_subscription", "name": "Confirm payment for a subscription"},
				{"id": "cancel_subscription", "name": "Cancel a subscription"},
			},
		}
		w.Header().Set("Content-Type", "application/a2a+json")
		json.NewEncoder(w).Encode(card)
	}
}
