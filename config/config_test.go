package config_test

import (
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/stretchr/testify/require"

	"github.com/warp/fuel-ledger/config"
)

func loadDefaults(t *testing.T) config.Config {
	t.Helper()
	k := koanf.New(".")
	require.NoError(t, k.Load(rawbytes.Provider(config.DefaultConfig), yaml.Parser()))

	var cfg config.Config
	require.NoError(t, k.Unmarshal("", &cfg))
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := loadDefaults(t)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "fuel-ledger", cfg.Application)
	require.Equal(t, "sqlite", cfg.Store.Driver)
	require.Equal(t, 5*time.Second, cfg.Store.LockWaitDuration())
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Store.Driver = "oracle"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresPostgresDSN(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.PostgresDSN = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresBrokersWhenKafkaEnabled(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	require.Error(t, cfg.Validate())
}

func TestLockWaitFallsBackOnGarbage(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Store.LockWait = "soon"
	require.Equal(t, time.Duration(0), cfg.Store.LockWaitDuration())
}
