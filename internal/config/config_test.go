package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CONFIG_ENV", "none")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, cfg.Session.PresenceTTL)
	assert.Equal(t, 5*time.Second, cfg.Session.ReactionWindow)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoadFileAndFlags(t *testing.T) {
	dir := chdirTemp(t)
	t.Setenv("CONFIG_ENV", "test")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte("port: 9000\nstore:\n  driver: memory\nsession:\n  presence_ttl: 30s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--port=9100"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Session.PresenceTTL)
}

func TestValidateRejectsShortTTL(t *testing.T) {
	cfg := Config{
		Store:   StoreConfig{Driver: "memory"},
		Session: SessionConfig{HeartbeatInterval: 5 * time.Second, PresenceTTL: 5 * time.Second},
	}
	assert.Error(t, cfg.validate())
}
