package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/approval"
	"github.com/ILLUVRSE/supportops/support-core/internal/audit"
	"github.com/ILLUVRSE/supportops/support-core/internal/auth"
	"github.com/ILLUVRSE/supportops/support-core/internal/breaker"
	"github.com/ILLUVRSE/supportops/support-core/internal/compliance"
	"github.com/ILLUVRSE/supportops/support-core/internal/config"
	"github.com/ILLUVRSE/supportops/support-core/internal/flags"
	"github.com/ILLUVRSE/supportops/support-core/internal/httpserver"
	"github.com/ILLUVRSE/supportops/support-core/internal/invocation"
	"github.com/ILLUVRSE/supportops/support-core/internal/logging"
	"github.com/ILLUVRSE/supportops/support-core/internal/metrics"
	"github.com/ILLUVRSE/supportops/support-core/internal/store"
	"github.com/ILLUVRSE/supportops/support-core/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $SUPPORT_CORE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		logger.Fatal("metrics register", zap.Error(err))
	}

	var db *sql.DB
	if cfg.Flags.Backend == "postgres" || cfg.Approval.StoreBackend == "postgres" {
		db, err = openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db open", zap.Error(err))
		}
		defer db.Close()
	}

	tr, err := transport.NewHTTPClient(transport.HTTPClientConfig{
		Endpoint:   cfg.Model.Endpoint,
		APIKey:     cfg.Model.APIKey,
		APIVersion: cfg.Model.APIVersion,
	})
	if err != nil {
		logger.Fatal("model transport init", zap.Error(err))
	}

	flagStore, err := buildFlagStore(ctx, cfg, db)
	if err != nil {
		logger.Fatal("flag store init", zap.Error(err))
	}

	var checker compliance.Checker
	if cfg.Compliance.Enabled {
		scanner, err := compliance.NewScanner(cfg.Compliance.RulesFile)
		if err != nil {
			logger.Fatal("compliance rules", zap.Error(err))
		}
		checker = scanner
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
	}, logger.Named("breaker"))

	client, err := invocation.New(invocation.Config{
		Model:              cfg.Model.Model,
		SystemPrompt:       cfg.Model.SystemPrompt,
		Timeouts:           cfg.Timeouts.ByClass(),
		HealthCheckTimeout: cfg.Timeouts.HealthCheck,
		ComplianceEnabled:  cfg.Compliance.Enabled,
		TargetPolicy:       compliance.TargetPolicy{AllowedModels: cfg.Compliance.AllowedModels},
		TrackRequestHealth: true,
	}, tr, flagStore, breakers, checker,
		invocation.WithLogger(logger.Named("invocation")),
		invocation.WithTracer(otel.Tracer("support-core")))
	if err != nil {
		logger.Fatal("invocation client init", zap.Error(err))
	}
	client.StartHealthChecks(cfg.HealthCheckInterval)

	sink, closeSink, err := buildAuditSink(ctx, cfg.Audit, logger)
	if err != nil {
		logger.Fatal("audit sink init", zap.Error(err))
	}
	defer closeSink()

	mgr := approval.NewManager(cfg.Approval.PolicyFile,
		approval.WithStoreOpener(storeOpener(cfg.Approval, db)),
		approval.WithLogger(logger.Named("approval")),
		approval.WithAuditSink(sink))
	if err := mgr.Initialize(ctx); err != nil {
		logger.Fatal("approval manager init", zap.String("policy", cfg.Approval.PolicyFile), zap.Error(err))
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:          cfg.Auth.JWTSecret,
		Issuer:          cfg.Auth.Issuer,
		AllowDebugActor: cfg.Auth.AllowDebugActor,
	}, logger.Named("auth"))
	if err != nil {
		logger.Fatal("auth init", zap.Error(err))
	}
	if cfg.Auth.AllowDebugActor {
		logger.Warn("debug actor headers are accepted; do not run this way in production")
	}

	server := httpserver.New(client, mgr, verifier, reg, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("support core listening", zap.String("addr", cfg.Addr), zap.String("model", cfg.Model.Model))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	waitForShutdown(cancel, httpServer, client, logger)
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildFlagStore(ctx context.Context, cfg config.Config, db *sql.DB) (flags.Store, error) {
	if cfg.Flags.Backend != "postgres" {
		return flags.NewMemoryStore(cfg.Flags.Defaults), nil
	}
	st := flags.NewPGStore(db, cfg.Flags.Defaults)
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func storeOpener(cfg config.ApprovalConfig, db *sql.DB) store.Opener {
	switch cfg.StoreBackend {
	case "postgres":
		return func(ctx context.Context, _ store.Locations) (store.Store, error) {
			return store.NewPGStore(db), nil
		}
	case "s3":
		return store.S3Opener(cfg.S3Bucket, cfg.S3Prefix)
	default:
		return store.OpenAFS
	}
}

// buildAuditSink chains the file sink first so streamed and archived
// envelopes carry the computed hashes.
func buildAuditSink(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (audit.Sink, func(), error) {
	var sinks audit.MultiSink
	closeFn := func() {}

	if cfg.Dir != "" {
		fs, err := audit.NewFileSink(cfg.Dir)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, fs)
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, audit.NewKafkaSink(producer))
		closeFn = func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close", zap.Error(err))
			}
		}
	}
	if cfg.S3Bucket != "" {
		s3sink, err := audit.NewS3Sink(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, closeFn, err
		}
		sinks = append(sinks, s3sink)
	}

	if len(sinks) == 0 {
		logger.Warn("no audit sink configured; proposal events are only logged")
		return audit.NopSink{}, closeFn, nil
	}
	return sinks, closeFn, nil
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, client *invocation.Client, logger *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	client.Destroy()
}
