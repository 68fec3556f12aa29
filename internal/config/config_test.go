package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
streaming:
  chunk_size: 32
  load_radius: 96
  hibernate_radius: 128
  unload_radius: 160
presenter:
  fov_degrees: 75
eventbus:
  backend: jetstream
  url: nats://nats:4222
sync:
  flush_interval: 1s
cache:
  redis_addr: redis:6379
`)
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 32.0, cfg.Streaming.ChunkSize)
	assert.Equal(t, 96.0, cfg.Streaming.LoadRadius)
	assert.Equal(t, 4, cfg.Streaming.MaxLoadsPerFrame, "не указанное поле из умолчаний")
	assert.Equal(t, 75.0, cfg.Presenter.FOVDegrees)
	assert.Equal(t, 0.3, cfg.Presenter.Smoothing)
	assert.Equal(t, "jetstream", cfg.EventBus.Backend)
	assert.Equal(t, "WORLDSTREAM", cfg.EventBus.Stream)
	assert.Equal(t, time.Second, cfg.Sync.FlushInterval)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 24*time.Hour, cfg.EventBus.RetentionDuration())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"radii":   "streaming:\n  load_radius: 500\n",
		"backend": "eventbus:\n  backend: kafka\n",
		"syntax":  "streaming: [",
		"terrain": "terrain:\n  resolution: 1\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMetricsPortFallback(t *testing.T) {
	m := MetricsConfig{}
	t.Setenv(EnvMetricsPort, "")
	assert.Equal(t, 2112, m.GetMetricsPort())

	t.Setenv(EnvMetricsPort, "9100")
	assert.Equal(t, 9100, m.GetMetricsPort())

	t.Setenv(EnvMetricsPort, "not-a-port")
	assert.Equal(t, 2112, m.GetMetricsPort())

	m.Port = 9200
	assert.Equal(t, 9200, m.GetMetricsPort())
}
