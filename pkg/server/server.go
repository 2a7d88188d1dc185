// Package server provides the public entry point for initializing the
// newswire control plane.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/agentoven/newswire/internal/api"
	"github.com/agentoven/newswire/internal/api/handlers"
	"github.com/agentoven/newswire/internal/api/middleware"
	"github.com/agentoven/newswire/internal/audit"
	"github.com/agentoven/newswire/internal/channels"
	"github.com/agentoven/newswire/internal/config"
	"github.com/agentoven/newswire/internal/content"
	"github.com/agentoven/newswire/internal/delivery"
	"github.com/agentoven/newswire/internal/events"
	"github.com/agentoven/newswire/internal/intake"
	"github.com/agentoven/newswire/internal/ledger"
	"github.com/agentoven/newswire/internal/payment"
	"github.com/agentoven/newswire/internal/protocol"
	"github.com/agentoven/newswire/internal/retention"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/subscription"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized newswire control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store.
	Store store.Store

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	Registry  *subscription.Registry
	Scheduler *delivery.Scheduler
	Janitor   *retention.Janitor
	Intake    *intake.Intake
	Hub       *channels.Hub
	Bus       *events.Bus

	telegram *channels.TelegramAdapter
	closers  []func() error
	wg       sync.WaitGroup
}

// New loads configuration and initializes every component.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	srv := &Server{Config: cfg, Port: cfg.Port}
	ready := false
	defer func() {
		if !ready {
			srv.Close()
		}
	}()

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv.ShutdownFunc = shutdown
	metrics := telemetry.NewMetrics()

	// ── Storage ──────────────────────────────────────────────
	dataStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	srv.Store = dataStore
	srv.closers = append(srv.closers, dataStore.Close)

	if err := seedPlans(ctx, dataStore, cfg); err != nil {
		return nil, err
	}

	// ── Audit ────────────────────────────────────────────────
	var sink contracts.AuditSink
	if len(cfg.Audit.KafkaBrokers) > 0 {
		ks, err := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka audit sink: %w", err)
		}
		sink = ks
	}
	recorder := audit.NewRecorder(dataStore, sink, metrics)
	srv.closers = append(srv.closers, recorder.Close)

	// ── Payments ─────────────────────────────────────────────
	var (
		led     contracts.Ledger
		sandbox *ledger.Sandbox
	)
	switch cfg.Ledger.Kind {
	case "ethereum":
		eth, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:           cfg.Ledger.RPCURL,
			MinConfirmations: cfg.Ledger.MinConfirmations,
			Currency:         cfg.Ledger.Currency,
		})
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, func() error { eth.Close(); return nil })
		led = eth
	default:
		sandbox = ledger.NewSandbox()
		led = sandbox
		log.Warn().Msg("🧪 Sandbox ledger in use: payments are registered through the admin API")
	}

	claims, err := openClaims(ctx, cfg.Claims, dataStore)
	if err != nil {
		return nil, err
	}
	switch c := claims.(type) {
	case *payment.RedisClaims:
		srv.closers = append(srv.closers, c.Close)
	case *payment.PostgresClaims:
		srv.closers = append(srv.closers, func() error { c.Close(); return nil })
	}
	verifier := payment.NewVerifier(led, claims, dataStore,
		payment.WithTimeout(cfg.Ledger.Timeout),
		payment.WithMetrics(metrics),
	)
	log.Info().Str("ledger", led.Kind()).Str("claims", claims.Kind()).Msg("✅ Payment verifier initialized")

	// ── Channels ─────────────────────────────────────────────
	srv.Hub = channels.NewHub()
	agentAuth := middleware.NewAgentAuth(cfg.Auth.AgentJWTSecret)
	httpAdapter := channels.NewHTTPAdapter(dataStore, agentAuth)
	srv.Hub.Register(httpAdapter)
	srv.Hub.Register(channels.NewWebhookAdapter(dataStore, cfg.Channels.WebhookTimeout))
	if cfg.Channels.TelegramToken != "" {
		tg, err := channels.NewTelegramAdapter(cfg.Channels.TelegramToken, cfg.Channels.TelegramProducer)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		srv.Hub.Register(tg)
		srv.telegram = tg
	}
	outbox := intake.NewOutbox(dataStore, srv.Hub)

	// ── Subscriptions ────────────────────────────────────────
	srv.Bus = events.NewBus(0)
	srv.Registry = subscription.NewRegistry(dataStore, verifier,
		subscription.WithBus(srv.Bus),
		subscription.WithOutbox(outbox),
		subscription.WithAuditor(recorder),
		subscription.WithMetrics(metrics),
		subscription.WithConfig(subscription.Config{
			RenewalWindow:      cfg.Registry.RenewalWindow,
			MaxPaymentAttempts: cfg.Registry.MaxPaymentAttempts,
		}),
	)

	gen, err := content.New(cfg.Content)
	if err != nil {
		return nil, err
	}
	handler := protocol.NewHandler(srv.Registry, dataStore, outbox,
		protocol.WithRelay(srv.Hub),
		protocol.WithGenerator(gen, cfg.Content.Timeout),
	)
	srv.Intake = intake.New(dataStore, handler, intake.Config{
		Shards:     cfg.Intake.Shards,
		QueueSize:  cfg.Intake.QueueSize,
		RatePerSec: cfg.Intake.RatePerSec,
		Burst:      cfg.Intake.Burst,
	}, intake.WithAuditor(recorder), intake.WithMetrics(metrics))
	srv.Hub.Connect(srv.Intake.Submit)

	// ── Delivery ─────────────────────────────────────────────
	srv.Scheduler = delivery.New(srv.Registry, dataStore, dataStore, gen, outbox, delivery.Config{
		Interval:        cfg.Scheduler.Interval,
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		Workers:         cfg.Scheduler.Workers,
		RetryInitial:    cfg.Scheduler.RetryInitial,
		RetryMax:        cfg.Scheduler.RetryMax,
		DefaultCadence:  cfg.Scheduler.DefaultCadence,
		GenerateTimeout: cfg.Content.Timeout,
	},
		delivery.WithAuditor(recorder),
		delivery.WithBus(srv.Bus),
		delivery.WithMetrics(metrics),
	)

	// ── Retention ────────────────────────────────────────────
	srv.Janitor = retention.NewJanitor(dataStore, cfg.Retention.Interval, retention.Policy{
		DeliveryDays: cfg.Retention.DeliveryDays,
		AuditDays:    cfg.Retention.AuditDays,
	})
	archivePath := cfg.Retention.ArchivePath
	if archivePath == "" && cfg.Store.DataDir != "" {
		archivePath = filepath.Join(cfg.Store.DataDir, "archive")
	}
	srv.Janitor.RegisterArchiver(retention.NewLocalFileArchiver(archivePath, cfg.Retention.CompressArchives))

	// ── HTTP ─────────────────────────────────────────────────
	h := handlers.New(dataStore, srv.Registry)
	h.Scheduler = srv.Scheduler
	h.Janitor = srv.Janitor
	h.Sandbox = sandbox
	h.Hub = srv.Hub
	h.Audit = recorder
	h.Version = cfg.Version

	srv.Handler = api.NewRouter(cfg, h, api.Options{
		APIKeys: middleware.NewAPIKeyAuth(cfg.Auth.APIKeys),
		Metrics: metrics,
		A2A:     httpAdapter.Routes(),
		Ping:    dataStore.Ping,
	})

	ready = true
	return srv, nil
}

// Start launches the background services. They stop when ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	s.Intake.Start()
	s.run(func() { s.Scheduler.Start(ctx) })
	s.run(func() { s.Janitor.Start(ctx) })
	if s.telegram != nil {
		s.run(func() {
			if err := s.telegram.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Telegram adapter stopped")
			}
		})
	}
}

func (s *Server) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until background services launched by Start have returned.
func (s *Server) Wait() {
	s.wg.Wait()
	if s.Intake != nil {
		s.Intake.Stop()
	}
}

// Close releases stores, sinks and connections in reverse order of creation.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	base := store.NewMemoryStoreAt(cfg.DataDir)
	if cfg.ThreadBackend != "pebble" {
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return base, nil
	}
	path := cfg.PebblePath
	if path == "" {
		path = filepath.Join(cfg.DataDir, "threads")
	}
	threads, err := store.OpenPebbleThreadStore(path)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("open pebble thread store: %w", err)
	}
	log.Info().Str("path", path).Msg("✅ Pebble thread log initialized")
	return store.NewLayered(base, threads), nil
}

func openClaims(ctx context.Context, cfg config.ClaimsConfig, s store.PaymentStore) (payment.ClaimIndex, error) {
	switch cfg.Backend {
	case "redis":
		rc, err := payment.NewRedisClaims(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return rc, nil
	case "postgres":
		pg, err := payment.NewPostgresClaims(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate claims table: %w", err)
		}
		return pg, nil
	default:
		return payment.NewStoreClaims(s), nil
	}
}

// seedPlans loads the configured catalog. Plans already present are kept
// as they are: a plan is immutable once subscribers may hold it.
func seedPlans(ctx context.Context, s store.PlanStore, cfg *config.Config) error {
	for _, plan := range cfg.Plans() {
		if _, err := s.GetPlan(ctx, plan.ID); err == nil {
			continue
		}
		if err := s.CreatePlan(ctx, &plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.ID, err)
		}
		log.Info().Str("plan", plan.ID).Str("producer", plan.ProducerID).Msg("✅ Plan seeded")
	}
	return nil
}
