package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	cfg := Default()
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "config/publora.yaml", cfg.ConfigPath)
	require.Equal(t, "publora-scheduler", cfg.Telemetry.ServiceName)
	require.Empty(t, cfg.Telemetry.OTLPEndpoint)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PUBLORA_ENV", "Staging")
	t.Setenv("PUBLORA_CONFIG", "/etc/publora/app.yaml")
	t.Setenv("PUBLORA_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("PUBLORA_DATABASE_DSN", "postgres://publora@localhost/publora")
	t.Setenv("PUBLORA_REDIS_ADDR", "localhost:6379")
	t.Setenv("PUBLORA_REDIS_DB", "3")

	cfg := FromEnv()
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "/etc/publora/app.yaml", cfg.ConfigPath)
	require.Equal(t, "http://collector:4318", cfg.Telemetry.OTLPEndpoint)
	require.Equal(t, "postgres://publora@localhost/publora", cfg.Database.DSN)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 3, cfg.Redis.DB)
}

func TestFromEnvIgnoresInvalidRedisDB(t *testing.T) {
	t.Setenv("PUBLORA_REDIS_DB", "not-a-number")
	cfg := FromEnv()
	require.Equal(t, 0, cfg.Redis.DB)
}

func TestApplyOptions(t *testing.T) {
	cfg := Apply(Default(),
		WithEnvironment(EnvDev),
		WithConfigPath(" custom.yaml "),
		WithTelemetryEndpoint("http://collector:4318"),
		WithDatabaseDSN("postgres://publora@db/publora"),
		WithRedis("redis:6379", "", 1),
	)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "custom.yaml", cfg.ConfigPath)
	require.Equal(t, "http://collector:4318", cfg.Telemetry.OTLPEndpoint)
	require.Equal(t, "postgres://publora@db/publora", cfg.Database.DSN)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 1, cfg.Redis.DB)

	// Options never mutate the base.
	require.Equal(t, EnvProd, Default().Environment)
}
