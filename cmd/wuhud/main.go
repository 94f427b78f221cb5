// wuhud is the wuhu daemon: it owns the durable store, the session
// actors, and the HTTP/WebSocket transport, and brokers every LLM and
// tool call on behalf of its clients.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpapi "github.com/wuhu-labs/wuhu/internal/transport/http"
	"github.com/wuhu-labs/wuhu/pkg/agentloop"
	"github.com/wuhu-labs/wuhu/pkg/compaction"
	"github.com/wuhu-labs/wuhu/pkg/config"
	"github.com/wuhu-labs/wuhu/pkg/masking"
	"github.com/wuhu-labs/wuhu/pkg/queue"
	"github.com/wuhu-labs/wuhu/pkg/runnerwire"
	"github.com/wuhu-labs/wuhu/pkg/sessionactor"
	"github.com/wuhu-labs/wuhu/pkg/store/postgres"
	"github.com/wuhu-labs/wuhu/pkg/subscribe"
	"github.com/wuhu-labs/wuhu/pkg/version"
	"github.com/wuhu-labs/wuhu/pkg/wuhutypes"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", getEnv("WUHU_CONFIG", "wuhu.yaml"), "path to the configuration file")
	envFile := flag.String("env-file", ".env", "path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
		log.Printf("Continuing with existing environment variables...")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gin.SetMode(cfg.Server.GinMode)

	slog.Info("starting wuhud", "version", version.Full(), "http_port", cfg.Server.HTTPPort)

	ctx := context.Background()

	dbConfig, err := postgres.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	db, err := postgres.New(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("closing database", "error", err)
		}
	}()
	slog.Info("connected to postgres, schema migrated")

	queues := queue.New(db)
	runnerHub := runnerwire.NewHub(storeResolver{db})

	// The inference collaborator is linked at build time; the default
	// build carries the loopback development collaborator only. See
	// inference_dev.go.
	infer := newLoopbackInference()
	slog.Warn("no inference provider linked; using the loopback development collaborator")

	compactCfg := compaction.Config{
		Enabled:             cfg.Compaction.IsEnabled(),
		ContextWindowTokens: cfg.Compaction.ContextWindowTokens,
		ReserveTokens:       cfg.Compaction.ReserveTokens,
		KeepRecentTokens:    cfg.Compaction.KeepRecentTokens,
	}
	compactor := compaction.New(db, newLoopbackSummarizer(), compactCfg)

	initial, maxInterval, maxElapsed := cfg.Retry.Durations()
	retry := agentloop.RetryConfig{
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		MaxElapsedTime:  maxElapsed,
		JitterFraction:  cfg.Retry.JitterFraction,
		MaxRetries:      cfg.Retry.MaxRetries,
	}

	masker := masking.NewService(masking.StaticRegistry{})
	loop := agentloop.New(db, queues, compactor, infer, runnerHub, masker, retry, compactCfg)

	registry := sessionactor.NewRegistry(db, queues, loop)
	defer registry.Shutdown()

	subEngine := subscribe.New(db, registry)

	server := httpapi.NewServer(db, registry, subEngine, runnerHub, storeHealth{db})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + cfg.Server.HTTPPort) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown", "error", err)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// storeResolver answers runner environment lookups from the store.
type storeResolver struct {
	store *postgres.Store
}

func (r storeResolver) Resolve(ctx context.Context, name string) (wuhutypes.EnvironmentSnapshot, error) {
	env, err := r.store.GetEnvironmentByName(ctx, name)
	if err != nil {
		return wuhutypes.EnvironmentSnapshot{}, err
	}
	return wuhutypes.EnvironmentSnapshot{
		Name:          env.Name,
		Type:          env.Type,
		Path:          env.Path,
		TemplatePath:  env.TemplatePath,
		StartupScript: env.StartupScript,
		Metadata:      env.Metadata,
	}, nil
}

// storeHealth adapts the Postgres health snapshot to the transport's
// HealthChecker.
type storeHealth struct {
	store *postgres.Store
}

func (h storeHealth) Health(ctx context.Context) (any, error) {
	return h.store.Health(ctx)
}
