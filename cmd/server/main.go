/*
main.go - Authorization service entry point

PURPOSE:
  Initializes and starts the fuel-card authorization server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags, load .env and the YAML config over embedded defaults
  2. Build the structured logger
  3. Open the configured store (memory, sqlite or postgres)
  4. Wire the notifier chain (log sink, optional Kafka with Redis DLQ)
  5. Build the coordinator, handler and router
  6. Serve with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, wait up to 30s for
  active requests, flush the event publisher, close the store.

EXAMPLES:
  # Embedded database
  ./server --config=config.yml

  # Ephemeral store for demos
  ./server  # with store.driver: "memory" in config.yml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration schema and defaults
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	_ "github.com/jsternberg/zap-logfmt"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/fuel-ledger/api"
	"github.com/warp/fuel-ledger/config"
	"github.com/warp/fuel-ledger/engine"
	"github.com/warp/fuel-ledger/engine/store"
	"github.com/warp/fuel-ledger/events/deadletter"
	"github.com/warp/fuel-ledger/events/kafka"
	"github.com/warp/fuel-ledger/store/postgres"
	"github.com/warp/fuel-ledger/store/sqlite"
)

// loadConfig merges embedded defaults with the optional config file.
func loadConfig() *koanf.Koanf {
	configPath := kingpin.Flag("config", "Path to the application config file").
		Short('c').Default("config.yml").String()
	kingpin.Parse()

	_ = godotenv.Load()

	k := koanf.New(".")
	_ = k.Load(rawbytes.Provider(config.DefaultConfig), yaml.Parser())
	if *configPath != "" {
		_ = k.Load(file.Provider(*configPath), yaml.Parser())
	}
	return k
}

func newLogger(cfg *config.Config, k *koanf.Koanf) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "logfmt"
	_ = zcfg.Level.UnmarshalText([]byte(k.String("logger.level")))
	zcfg.InitialFields = make(map[string]any)
	zcfg.InitialFields["host"], _ = os.Hostname()
	zcfg.InitialFields["service"] = cfg.Application
	zcfg.OutputPaths = []string{"stdout"}
	logger, _ := zcfg.Build()
	return logger
}

// backend is the store surface the server needs: every driver
// implements it.
type backend interface {
	api.Backend
	Close() error
}

type memoryBackend struct{ *store.Memory }

func (memoryBackend) Close() error { return nil }

func openStore(cfg *config.Config) (backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memoryBackend{store.NewMemory()}, nil
	case "postgres":
		return postgres.Open(postgres.Config{
			DSN:      cfg.Store.PostgresDSN,
			LockWait: cfg.Store.LockWaitDuration(),
		})
	default:
		return sqlite.New(cfg.Store.SQLitePath)
	}
}

func main() {
	k := loadConfig()

	cfg := config.Config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if !cfg.IsProdMode {
		k.Print()
	}

	logger := newLogger(&cfg, k)
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := openStore(&cfg)
	if err != nil {
		logger.Fatal("cannot open store", zap.Error(err))
	}
	defer ledgerStore.Close()

	// Notifier chain: the log sink is always on; Kafka (with an
	// optional Redis dead-letter queue) joins when configured.
	sinks := []engine.Notifier{engine.NewLogNotifier(logger)}
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		var dlq kafka.DeadLetter
		if cfg.Redis.Enabled {
			redisClient := goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.URI,
				Password: cfg.Redis.Password,
			})
			if err := redisClient.Ping(ctx).Err(); err != nil {
				logger.Fatal("cannot reach redis", zap.Error(err))
			}
			dlq = deadletter.NewQueue(redisClient, logger)
		}
		publisher = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger, dlq)
		sinks = append(sinks, publisher)
	}

	coordinator := engine.NewCoordinator(ledgerStore, engine.NewFanoutNotifier(sinks...), logger)
	handler := api.NewHandler(ledgerStore, coordinator, logger)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(handler),
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	if publisher != nil {
		_ = publisher.Close()
	}
}
