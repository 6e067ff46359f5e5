package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "unit")
	t.Setenv("MODE", "")
	t.Setenv("ADDR", "")
	t.Setenv("ENGINE_API_KEY", "")

	require.NoError(t, Load())
	cfg := GlobalConfig
	assert.Equal(t, ":7080", cfg.Addr)
	assert.Equal(t, "development", cfg.Mode)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "local", cfg.Cache.Type)
	assert.Equal(t, 10, cfg.Cache.Redis.PoolSize)
	assert.Equal(t, time.Minute, cfg.AuthCacheTTL)
	assert.Contains(t, cfg.EngineAPIKey, "dev-engine-")
	assert.True(t, cfg.SeedDispatchers)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.GraceWindow)
	assert.False(t, cfg.ArchiveEnabled)
	assert.Equal(t, "local", cfg.Archive.Kind)
	assert.Equal(t, "./archive", cfg.Archive.Root)
	assert.Equal(t, time.Minute, cfg.AlertCooldown)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MODE", "production")
	t.Setenv("ENGINE_API_KEY", "")
	t.Setenv("CACHE_TYPE", "redis")
	t.Setenv("REDIS_POOL_SIZE", "32")
	t.Setenv("AUTH_CACHE_TTL", "90s")
	t.Setenv("DISPATCH_GRACE_WINDOW", "1500ms")
	t.Setenv("ARCHIVE_ENABLED", "true")
	t.Setenv("ARCHIVE_STORE", "minio")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_BUCKET", "dispatch-audit")

	require.NoError(t, Load())
	cfg := GlobalConfig
	assert.Empty(t, cfg.EngineAPIKey)
	assert.False(t, cfg.SeedDispatchers)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 32, cfg.Cache.Redis.PoolSize)
	assert.Equal(t, 90*time.Second, cfg.AuthCacheTTL)
	assert.Equal(t, 1500*time.Millisecond, cfg.Dispatch.GraceWindow)
	assert.True(t, cfg.ArchiveEnabled)
	assert.Equal(t, "minio", cfg.Archive.Kind)
	assert.Equal(t, "minio:9000", cfg.Archive.Minio.Endpoint)
	assert.Equal(t, "dispatch-audit", cfg.Archive.Minio.Bucket)
}
