/*
Package config defines the application configuration.

PURPOSE:
  Embedded defaults (below) are loaded first, then overridden by an
  optional YAML file. Koanf does the merging; the binaries pass the
  result through Unmarshal and Validate before wiring anything.
*/
package config

import (
	"fmt"
	"strings"
	"time"
)

var DefaultConfig = []byte(`
application: "fuel-ledger"

logger:
  level: "debug"

is_prod_mode: false

server:
  addr: ":8080"

store:
  driver: "sqlite"          # memory | sqlite | postgres
  sqlite_path: "./data/fuel-ledger.db"
  postgres_dsn: ""
  lock_wait: "5s"

kafka:
  enabled: false
  brokers:
    - "localhost:9092"
  topic: "fuel-transactions"
  consumer_name: "audit-stream"
  records_per_poll: 1000

redis:
  enabled: false
  uri: "localhost:6379"
  password: ""

mongo:
  uri: "mongodb://localhost:27017"
`)

type Config struct {
	Application string `koanf:"application"`
	Logger      Logger `koanf:"logger"`
	IsProdMode  bool   `koanf:"is_prod_mode"`
	Server      Server `koanf:"server"`
	Store       Store  `koanf:"store"`
	Kafka       Kafka  `koanf:"kafka"`
	Redis       Redis  `koanf:"redis"`
	Mongo       Mongo  `koanf:"mongo"`
}

type Logger struct {
	Level string `koanf:"level"`
}

type Server struct {
	Addr string `koanf:"addr"`
}

type Store struct {
	Driver      string `koanf:"driver"`
	SQLitePath  string `koanf:"sqlite_path"`
	PostgresDSN string `koanf:"postgres_dsn"`
	LockWait    string `koanf:"lock_wait"`
}

// LockWaitDuration parses the configured bound; zero when unset or
// malformed, which the stores replace with their default.
func (s Store) LockWaitDuration() time.Duration {
	d, err := time.ParseDuration(s.LockWait)
	if err != nil {
		return 0
	}
	return d
}

type Kafka struct {
	Enabled        bool     `koanf:"enabled"`
	Brokers        []string `koanf:"brokers"`
	Topic          string   `koanf:"topic"`
	ConsumerName   string   `koanf:"consumer_name"`
	RecordsPerPoll int      `koanf:"records_per_poll"`
}

type Redis struct {
	Enabled  bool   `koanf:"enabled"`
	URI      string `koanf:"uri"`
	Password string `koanf:"password"`
}

type Mongo struct {
	URI string `koanf:"uri"`
}

// Validate checks the configuration before any wiring happens.
func (c *Config) Validate() error {
	var problems []string

	if c.Application == "" {
		problems = append(problems, "application: cannot be empty")
	}
	if c.Logger.Level == "" {
		problems = append(problems, "logger.level: cannot be empty")
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr: cannot be empty")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path: cannot be empty")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			problems = append(problems, "store.postgres_dsn: cannot be empty")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers: cannot be empty when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.URI == "" {
		problems = append(problems, "redis.uri: cannot be empty when redis is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
