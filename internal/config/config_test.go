package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-studio/jobwire"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "jobwire", cfg.Prefix)
	require.Equal(t, 2, cfg.Concurrency)
	require.Equal(t, 120*time.Second, cfg.LockDuration())
	require.Equal(t, 300*time.Second, cfg.DispatchTimeout())
	require.Empty(t, cfg.Redis.Host, "redis must not default to an address")
	require.NoError(t, cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "jobwire.json")
	data := []byte(`{"redis":{"host":"redis.internal","port":6380},"queue":"pdf","concurrency":4}`)
	require.NoError(t, os.WriteFile(file, data, 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, "redis.internal", cfg.Redis.Host)
	require.Equal(t, 6380, cfg.Redis.Port)
	require.Equal(t, "pdf", cfg.Queue)
	require.Equal(t, 4, cfg.Concurrency)
	require.Equal(t, "jobwire", cfg.Prefix, "unset fields keep defaults")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "jobwire.yaml")
	data := []byte(`
redis:
  useSentinel: true
  sentinels:
    - host: s1
      port: 26379
    - host: s2
      port: 26380
queue: render
lockDurationMs: 5000
logFormat: json
`)
	require.NoError(t, os.WriteFile(file, data, 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	require.True(t, cfg.Redis.UseSentinel)
	require.Equal(t, []jobwire.SentinelAddr{{Host: "s1", Port: 26379}, {Host: "s2", Port: 26380}}, cfg.Redis.Sentinels)
	require.Equal(t, 5*time.Second, cfg.LockDuration())
	require.Equal(t, "json", cfg.LogFormat)

	conn, err := jobwire.ResolveConnection(cfg.Redis)
	require.NoError(t, err)
	require.Equal(t, jobwire.SentinelMasterName, conn.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("JOBWIRE_REDIS_HOST", "cache")
	t.Setenv("JOBWIRE_REDIS_PORT", "6390")
	t.Setenv("JOBWIRE_QUEUE", "mail")
	t.Setenv("JOBWIRE_CONCURRENCY", "8")
	t.Setenv("JOBWIRE_LOCK_DURATION_MS", "1000")
	t.Setenv("JOBWIRE_LOG_LEVEL", "debug")
	FromEnv(&cfg)

	require.Equal(t, "cache", cfg.Redis.Host)
	require.Equal(t, 6390, cfg.Redis.Port)
	require.Equal(t, "mail", cfg.Queue)
	require.Equal(t, 8, cfg.Concurrency)
	require.Equal(t, time.Second, cfg.LockDuration())
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnv_IgnoresMalformedNumbers(t *testing.T) {
	cfg := Default()
	t.Setenv("JOBWIRE_CONCURRENCY", "many")
	FromEnv(&cfg)
	require.Equal(t, 2, cfg.Concurrency)
}

func TestFromEnv_Sentinels(t *testing.T) {
	cfg := Default()
	t.Setenv("JOBWIRE_REDIS_USE_SENTINEL", "true")
	t.Setenv("JOBWIRE_REDIS_SENTINELS", "s1:26379, s2:26380")
	FromEnv(&cfg)

	require.True(t, cfg.Redis.UseSentinel)
	require.Equal(t, []jobwire.SentinelAddr{{Host: "s1", Port: 26379}, {Host: "s2", Port: 26380}}, cfg.Redis.Sentinels)
}

func TestFromEnv_MalformedSentinelFailsResolution(t *testing.T) {
	cfg := Default()
	t.Setenv("JOBWIRE_REDIS_USE_SENTINEL", "true")
	t.Setenv("JOBWIRE_REDIS_SENTINELS", "s1:26379,s2")
	FromEnv(&cfg)

	_, err := jobwire.ResolveConnection(cfg.Redis)
	require.ErrorIs(t, err, jobwire.ErrConfiguration)
	require.EqualError(t, err, "Sentinel configuration missing host or port for sentinel")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Concurrency = 0
	cfg.LogFormat = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "concurrency")
	require.Contains(t, err.Error(), "logFormat")
}
