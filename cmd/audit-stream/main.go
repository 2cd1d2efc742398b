/*
main.go - Audit consumer entry point

PURPOSE:
  Tails the authorization event topic and persists every decision to
  MongoDB. Runs as a separate process from the authorization server so
  audit ingestion lag never touches the decision path.

STARTUP SEQUENCE:
  1. Parse flags, load .env and the YAML config over embedded defaults
  2. Build the structured logger
  3. Connect to MongoDB and (optionally) Redis for the dead-letter queue
  4. Start the consumer group and poll until signaled

SEE ALSO:
  - audit/consumer.go: The consumer loop
  - events/kafka/publisher.go: The producing side
*/
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	_ "github.com/jsternberg/zap-logfmt"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	goredis "github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"

	"github.com/warp/fuel-ledger/audit"
	"github.com/warp/fuel-ledger/config"
	"github.com/warp/fuel-ledger/events/deadletter"
)

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

func main() {
	k := loadConfig()

	cfg := config.Config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if !cfg.Kafka.Enabled {
		log.Fatal("audit-stream requires kafka.enabled: true")
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "logfmt"
	_ = zcfg.Level.UnmarshalText([]byte(k.String("logger.level")))
	zcfg.InitialFields = make(map[string]any)
	zcfg.InitialFields["host"], _ = os.Hostname()
	zcfg.InitialFields["service"] = cfg.Application + "-audit"
	zcfg.OutputPaths = []string{"stdout"}
	logger, _ := zcfg.Build()
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := audit.ConnectMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		logger.Fatal("cannot create mongo client", zap.Error(err))
	}

	var dlq audit.DeadLetter
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

	processor := audit.NewProcessor(logger, audit.NewRepository(mongoClient), dlq)
	metrics := kprom.NewMetrics("fuel_ledger_audit")

	consumer, err := audit.NewConsumer(&audit.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupName:      cfg.Kafka.ConsumerName,
		Topic:          cfg.Kafka.Topic,
		RecordsPerPoll: cfg.Kafka.RecordsPerPoll,
	}, processor, metrics, logger)
	if err != nil {
		logger.Fatal("cannot create audit consumer", zap.Error(err))
	}

	if err := consumer.Poll(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("cannot poll records from topic", zap.Error(err))
	}
}
