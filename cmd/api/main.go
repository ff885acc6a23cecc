package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/joho/godotenv"

	"github.com/sidegig/backend/internal/api"
	"github.com/sidegig/backend/internal/blob"
	"github.com/sidegig/backend/internal/circuitbreaker"
	"github.com/sidegig/backend/internal/config"
	"github.com/sidegig/backend/internal/correction"
	"github.com/sidegig/backend/internal/dispute"
	"github.com/sidegig/backend/internal/escrow"
	"github.com/sidegig/backend/internal/events"
	"github.com/sidegig/backend/internal/infra"
	"github.com/sidegig/backend/internal/live"
	"github.com/sidegig/backend/internal/maintenance"
	"github.com/sidegig/backend/internal/middleware"
	"github.com/sidegig/backend/internal/notify"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/payments"
	"github.com/sidegig/backend/internal/proof"
	"github.com/sidegig/backend/internal/store"
	"github.com/sidegig/backend/internal/supply"
	"github.com/sidegig/backend/internal/task"
	"github.com/sidegig/backend/internal/trust"
	"github.com/sidegig/backend/internal/vision"
	"github.com/sidegig/backend/internal/xp"
)

func main() {
	godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	var cfg *config.Config
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", cfgPath, err)
		}
	} else {
		cfg = config.FromEnv()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Source of truth.
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open Postgres: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	st := store.NewPostgres(db)
	log.Println("✅ Postgres connected")

	// Redis is optional: without it the cohort cache reads through, the rate
	// limiter runs per-instance and LIVE streams stay single-instance.
	var redis *infra.Redis
	if cfg.Redis.Addr != "" {
		redis, err = infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️  Redis unavailable, running degraded: %v", err)
			redis = nil
		}
	}

	breakers := circuitbreaker.NewVendorBreakers()

	// Services.
	escrowSvc := escrow.NewService(st)
	hub := newHub(redis)
	taskSvc := task.NewService(st, hub)
	visionClient := newVisionClient(cfg, breakers)
	proofSvc := proof.NewService(st, visionClient)
	disputeSvc := dispute.NewService(st, escrowSvc)
	supplySvc := supply.NewService(st)
	correctionSvc := correction.NewService(st)
	liveSvc := live.NewService(st)
	ingestor := payments.NewIngestor(st, cfg.Stripe.WebhookSecret)
	processor := newProcessor(cfg)

	// Outbox worker fleet. Queue handlers register against one registry; the
	// dispatcher fans claimed rows into per-queue pools.
	registry := outbox.NewRegistry()
	escrow.RegisterHandlers(registry, st, escrowSvc)
	xp.RegisterHandlers(registry, st)
	trust.RegisterHandlers(registry, st, newTrustArchive(ctx, cfg))
	payments.RegisterHandlers(registry, st, escrowSvc, processor)
	payments.RegisterPayoutHandlers(registry, st, processor)
	notifySvc := notify.RegisterHandlers(registry, st, newPushForwarder(cfg), cohortCache(redis))
	maintenance.RegisterHandler(registry, maintenance.NewHandler(taskSvc, proofSvc, disputeSvc, correctionSvc))

	var exporter *blob.Exporter
	if storage := newStorage(cfg); storage != nil {
		exporter = blob.NewExporter(st, storage, cfg.Storage.ExportBucket, notifySvc)
		blob.RegisterHandlers(registry, exporter)
	}

	dispatcher := outbox.NewDispatcher(st, registry, cfg.OutboxPollInterval(), cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts)
	if analytics := newAnalytics(cfg); analytics != nil {
		dispatcher.SetMirror(analytics)
		defer analytics.Close()
	}
	dispatcher.Start(ctx)

	// Periodic loops.
	sweeper := maintenance.NewSweeper(st, 5*time.Minute)
	sweeper.Start(ctx)
	recomputer := supply.NewRecomputer(supplySvc, time.Duration(cfg.Supply.RecomputeIntervalMinutes)*time.Minute)
	recomputer.Start(ctx)
	analyzer := correction.NewAnalyzer(st,
		time.Duration(cfg.Correction.AnalyzerIntervalMinutes)*time.Minute,
		time.Duration(cfg.Correction.PostWindowHours)*time.Hour,
		cfg.Correction.SafeModeNonCausalRate,
		cfg.Correction.SafeModeMinSample)
	analyzer.Start(ctx)

	// HTTP surface.
	var limiter *middleware.RateLimiter
	if redis != nil {
		limiter = middleware.NewRateLimiter(redis, middleware.RateLimitConfig{})
	} else {
		limiter = middleware.NewRateLimiter(nil, middleware.RateLimitConfig{})
	}
	server := api.NewServer(api.Deps{
		Store:       st,
		DB:          db,
		Ingestor:    ingestor,
		Notify:      notifySvc,
		Corrections: correctionSvc,
		Live:        liveSvc,
		Hub:         hub,
		Exporter:    exporter,
		Breakers:    breakers,
		Limiter:     limiter,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: stop taking requests, then drain the worker fleet so
	// no outbox row is left half-handled by this instance.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, draining...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}

		analyzer.Stop()
		recomputer.Stop()
		sweeper.Stop()
		dispatcher.Shutdown()
		hub.Close()
		if redis != nil {
			redis.Close()
		}
		db.Close()
		cancel()
	}()

	log.Printf("🚀 sidegig core starting on port %s", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

func newHub(redis *infra.Redis) *live.Hub {
	if redis != nil {
		return live.NewHub(redis)
	}
	return live.NewHub(nil)
}

func newVisionClient(cfg *config.Config, breakers *circuitbreaker.VendorBreakers) vision.Client {
	if cfg.Vision.BaseURL == "" {
		return nil
	}
	return vision.NewHTTPClient(cfg.Vision.BaseURL, cfg.Vision.APIKey, cfg.VisionTimeout(), breakers.Vision)
}

func newProcessor(cfg *config.Config) payments.Processor {
	if cfg.Stripe.APIKey == "" {
		log.Println("⚠️  STRIPE_API_KEY unset; payment effects will fail until configured")
	}
	return payments.NewStripeClient(cfg.Stripe.APIKey)
}

func newTrustArchive(ctx context.Context, cfg *config.Config) trust.Archiver {
	// SPANNER_DATABASE is the full projects/p/instances/i/databases/d path.
	parts := strings.Split(cfg.Spanner.Database, "/")
	if len(parts) != 6 {
		return nil
	}
	archive, err := trust.NewSpannerArchive(ctx, parts[1], parts[3], parts[5])
	if err != nil {
		log.Printf("⚠️  trust archive disabled: %v", err)
		return nil
	}
	return archive
}

func newPushForwarder(cfg *config.Config) notify.PushForwarder {
	if cfg.CloudTasks.ProjectID == "" {
		return nil
	}
	f, err := notify.NewCloudTasksForwarder(cfg.CloudTasks.ProjectID, cfg.CloudTasks.Location, cfg.CloudTasks.Queue, cfg.CloudTasks.TargetURL)
	if err != nil {
		log.Printf("⚠️  push forwarding disabled: %v", err)
		return nil
	}
	return f
}

func newAnalytics(cfg *config.Config) *events.Analytics {
	if cfg.PubSub.ProjectID == "" {
		return nil
	}
	a, err := events.NewAnalytics(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
	if err != nil {
		log.Printf("⚠️  analytics mirror disabled: %v", err)
		return nil
	}
	return a
}

func newStorage(cfg *config.Config) blob.Storage {
	if cfg.Storage.SupabaseURL == "" {
		return nil
	}
	s, err := blob.NewSupabaseStorage(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey)
	if err != nil {
		log.Printf("⚠️  object storage disabled: %v", err)
		return nil
	}
	return s
}

func cohortCache(redis *infra.Redis) notify.CohortCache {
	if redis == nil {
		return nil
	}
	return redis
}
