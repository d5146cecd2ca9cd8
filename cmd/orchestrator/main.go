package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/STSynthetic/GF-25-v3/internal/broker"
	"github.com/STSynthetic/GF-25-v3/internal/config"
	"github.com/STSynthetic/GF-25-v3/internal/external/imageprovider"
	"github.com/STSynthetic/GF-25-v3/internal/external/notify"
	"github.com/STSynthetic/GF-25-v3/internal/external/registry"
	"github.com/STSynthetic/GF-25-v3/internal/external/vision"
	"github.com/STSynthetic/GF-25-v3/internal/httpapi"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/orchestrator"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/store"
	"github.com/STSynthetic/GF-25-v3/internal/worker"
)

func main() {
	logMode := getEnv("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.Init(log)
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "analysis-orchestrator",
		Environment: logMode,
	})
	if shutdownOTel != nil {
		defer shutdownOTel(context.Background())
	}

	log.Info("connecting to postgres")
	db, err := store.Open(log)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := store.AutoMigrateAll(db.DB()); err != nil {
		log.Error("failed to auto migrate", "error", err)
		os.Exit(1)
	}
	metrics.StartPostgresCollector(ctx, log, db.DB())
	metrics.StartTaskQueueCollector(ctx, log, db.DB())

	configRoot := getEnv("CONFIG_ROOT", "./config")
	configRegistry, report := config.NewRegistry(configRoot, log)
	if report.Failed || len(report.Errors) > 0 {
		for _, e := range report.Errors {
			log.Error("invalid profile at startup", "error", e)
		}
		log.Error("configuration registry failed initial load, refusing to start", "error_count", len(report.Errors))
		os.Exit(1)
	}
	if err := configRegistry.Watch(ctx); err != nil {
		log.Warn("failed to start configuration file watcher", "error", err)
	}

	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	redisBroker, err := broker.NewRedisBroker(ctx, log, redisAddr, int64(getEnvInt("BROKER_MAX_DEPTH", 10000)))
	if err != nil {
		log.Error("failed to connect to redis broker", "error", err)
		os.Exit(1)
	}
	metrics.StartRedisCollector(ctx, log, redisAddr)

	processRepo := store.NewProcessRepo(db.DB(), log)
	taskRepo := store.NewTaskRepo(db.DB(), log)
	auditRepo := store.NewAuditRepo(db.DB(), log)
	qaRepo := store.NewQAAttemptRepo(db.DB(), log)

	visionClient, err := newVisionClient(ctx, log)
	if err != nil {
		log.Error("failed to init vision client", "error", err)
		os.Exit(1)
	}
	images := imageprovider.NewProvider(log)
	notifySink := notify.NewSink(log)

	registryClient := registry.NewClient(
		mustEnv(log, "REGISTRY_BASE_URL"),
		mustEnv(log, "REGISTRY_API_KEY"),
		getEnvDuration("REGISTRY_TIMEOUT_SECONDS", 30*time.Second),
		log,
	)

	orch := orchestrator.New(log, db.DB(), registryClient, configRegistry, redisBroker, processRepo, taskRepo, auditRepo, notifySink)

	w := worker.New(
		log,
		redisBroker,
		configRegistry,
		taskRepo,
		auditRepo,
		images,
		visionClient,
		qaRepo,
		notifySink,
		orch.OnTaskCompleted,
		getEnvInt("MODEL_CONCURRENCY", 8),
		hostnameOrDefault("orchestrator"),
	)

	w.Start(ctx)
	orch.Start(ctx)

	reaper := worker.NewReaper(log, redisBroker, taskRepo, auditRepo)
	go reaper.Start(ctx)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Log:            log,
		DB:             db,
		ConfigRegistry: configRegistry,
		ServiceName:    "analysis-orchestrator",
	})
	httpServer := &http.Server{
		Addr:    ":" + getEnv("PORT", "8080"),
		Handler: router,
	}
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
}

func newVisionClient(ctx context.Context, log *logger.Logger) (vision.Client, error) {
	switch strings.ToLower(getEnv("VISION_ENGINE", "loopback")) {
	case "gcpvision":
		return vision.NewGCPVisionClient(ctx, log)
	default:
		return vision.NewLoopbackClient(
			mustEnv(log, "VISION_BASE_URL"),
			getEnv("VISION_API_KEY", ""),
			getEnvDuration("VISION_TIMEOUT_SECONDS", 60*time.Second),
			log,
		), nil
	}
}

func hostnameOrDefault(def string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return def
	}
	return h
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func mustEnv(log *logger.Logger, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		log.Error("missing required environment variable", "key", key)
		os.Exit(1)
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}
