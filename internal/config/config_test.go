package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		assert.Equal(t, "/custom/cache/scanfarm/scanfarm.db", DefaultDBPath())
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()
		if !strings.HasSuffix(path, filepath.Join(".cache", "scanfarm", "scanfarm.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/scanfarm/scanfarm.db", path)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 10, cfg.Lock.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Lock.Delay)
	assert.Equal(t, 180*time.Second, cfg.Sandbox.DefaultRunTime)
	assert.Equal(t, 220*1024, cfg.Sandbox.MaxMessageSize)
	assert.Equal(t, time.Second, cfg.Queue.Polling)
	assert.Equal(t, 1, cfg.Queue.BatchSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanfarm.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[http]
port = 9000

[queue]
polling = "250ms"

[lock]
ttl = "30s"

[hints.categories]
axe = "accessibility"
`), 0644))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SCANFARM_DB=/tmp/from-env.db\n"), 0644))

	t.Setenv("SCANFARM_PORT", "9100")
	// godotenv never overrides variables that are already present.
	os.Unsetenv("SCANFARM_DB")
	t.Cleanup(func() { os.Unsetenv("SCANFARM_DB") })

	cfg, err := Load(path, envPath)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.HTTP.Port, "environment beats file")
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.Polling)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "accessibility", cfg.Hints.Categories["axe"])
	assert.Equal(t, "/tmp/from-env.db", cfg.Database.Path)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Lock.Backend = "postgres" }},
		{"same queue", func(c *Config) { c.Queue.Results = c.Queue.Jobs }},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }},
		{"tiny messages", func(c *Config) { c.Sandbox.MaxMessageSize = 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
