// Command geohubd runs a single hub node: the HTTP gateway, the payment and
// clearing engines, the stale-lock recovery loop and the scheduled
// integrity report, all over one Postgres database.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"geohub/audit"
	"geohub/clearing"
	"geohub/config"
	"geohub/core/events"
	"geohub/gateway/auth"
	"geohub/gateway/middleware"
	"geohub/gateway/server"
	"geohub/integrations/webhooks"
	"geohub/observability/logging"
	telemetry "geohub/observability/otel"
	"geohub/ops/seeds"
	"geohub/payment"
	"geohub/router"
	"geohub/storage"
)

func main() {
	var cfgPath string
	var seedsPath string
	flag.StringVar(&cfgPath, "config", "geohub.toml", "path to hub configuration")
	flag.StringVar(&seedsPath, "seeds", "", "override path to a YAML seed file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	slogger := logging.SetupWithOptions("geohubd", cfg.Environment, logging.FileOptions{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(cfg.Otel.Endpoint); endpoint != "" {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "geohubd",
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    cfg.Otel.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Otel.Headers),
			SampleRatio: cfg.Otel.SampleRatio,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			slogger.Error("telemetry init failed", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				slogger.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		slogger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	if seedsPath == "" {
		seedsPath = cfg.SeedsFile
	}
	if seedsPath != "" {
		summary, err := seeds.LoadFile(ctx, store, seedsPath)
		if err != nil {
			slogger.Error("load seeds", "path", seedsPath, "err", err)
			os.Exit(1)
		}
		slogger.Info("seeds loaded", "path", seedsPath,
			"equivalents", summary.Equivalents,
			"participants", summary.Participants,
			"trust_lines", summary.TrustLines)
	}

	authSvc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration, cfg.Auth.OperatorPIDs)
	if err != nil {
		slogger.Error("auth service", "err", err)
		os.Exit(1)
	}
	nonces, err := auth.OpenNonceStore(cfg.NonceDBPath, cfg.Auth.NonceMaxAge.Duration)
	if err != nil {
		slogger.Error("open nonce store", "path", cfg.NonceDBPath, "err", err)
		os.Exit(1)
	}
	defer nonces.Close()

	var emitter events.Emitter = events.NoopEmitter{}
	if endpoint := strings.TrimSpace(cfg.Webhooks.Endpoint); endpoint != "" {
		dispatcher, err := webhooks.NewDispatcher(endpoint, []byte(cfg.Webhooks.Secret),
			webhooks.WithLogger(slogger),
			webhooks.WithRetryPolicy(cfg.Webhooks.MaxAttempts,
				cfg.Webhooks.MinBackoff.Duration, cfg.Webhooks.MaxBackoff.Duration))
		if err != nil {
			slogger.Error("webhook dispatcher", "err", err)
			os.Exit(1)
		}
		defer dispatcher.Close()
		emitter = dispatcher
	}

	routes := router.New(router.Config{
		MaxPathLength: cfg.Routing.MaxPathLength,
		MaxPaths:      cfg.Routing.MaxPathsPerPayment,
		Budget:        cfg.PathFindingTimeout(),
		FullMultipath: cfg.Features.FullMultipath,
	})
	payments := payment.New(store, routes, nonces, emitter, payment.Config{
		LockTTL:            cfg.LockTTL(),
		PrepareTimeout:     time.Duration(cfg.Protocol.PrepareTimeoutSeconds) * time.Second,
		CommitTimeout:      time.Duration(cfg.Protocol.CommitTimeoutSeconds) * time.Second,
		TransactionTimeout: time.Duration(cfg.Protocol.TransactionTimeoutSeconds) * time.Second,
		NewGrace:           time.Duration(cfg.Recovery.NewGraceSeconds) * time.Second,
		SerializationRetry: cfg.Recovery.SerializationRetry,
	}, slogger)
	clearer := clearing.New(store, emitter, clearing.Config{
		TriggerMaxLen:      cfg.Clearing.TriggerCyclesMaxLen,
		PeriodicMaxLen:     cfg.Clearing.PeriodicCyclesMaxLen,
		MaxCyclesPerRun:    cfg.Clearing.MaxCyclesPerRun,
		Interval:           cfg.ClearingInterval(),
		SerializationRetry: cfg.Recovery.SerializationRetry,
	}, slogger)
	payments.SetCommittedHook(clearer.OnPaymentCommitted)

	sweeper := payment.NewSweeper(payments, payment.SweeperConfig{
		Interval: cfg.RecoveryInterval(),
		NewGrace: time.Duration(cfg.Recovery.NewGraceSeconds) * time.Second,
	}, slogger)

	reporter, err := audit.NewReporter(audit.Config{
		DB:            store.DB(),
		OutputDir:     cfg.Audit.OutputDir,
		RetentionDays: cfg.Audit.RetentionDays,
		Logger:        slogger,
	})
	if err != nil {
		slogger.Error("audit reporter", "err", err)
		os.Exit(1)
	}
	if cfg.AuditOnStart {
		if result, err := reporter.Run(ctx); err != nil {
			slogger.Error("startup audit failed", "err", err)
			os.Exit(1)
		} else if !result.Report.Clean() {
			slogger.Error("startup audit found violations, refusing to serve",
				"violations", len(result.Report.Violations), "dir", result.Dir)
			os.Exit(1)
		}
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "geohub-gateway",
		Enabled:     true,
	}, nil)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"auth": {RequestsPerMinute: cfg.Auth.RatePerMin, Burst: cfg.Auth.RateBurst},
		"api":  {RequestsPerMinute: cfg.Auth.RatePerMin, Burst: cfg.Auth.RateBurst},
	}, nil)

	gateway := server.New(server.Config{
		Store:    store,
		Router:   routes,
		Payments: payments,
		Clearing: clearer,
		Auth:     authSvc,
		Nonces:   nonces,
		Emitter:  emitter,
		Obs:      obs,
		Limiter:  limiter,
		CORS: middleware.CORSConfig{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAgeSeconds:    cfg.CORS.MaxAgeSeconds,
		},
		Logger: slogger,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		clearer.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		audit.NewScheduler(reporter, cfg.Audit.RunHour, slogger).Start(ctx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slogger.Warn("http shutdown", "err", err)
		}
	}()

	slogger.Info("geohubd listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slogger.Error("http server", "err", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}
	wg.Wait()
	slogger.Info("geohubd stopped")
}
