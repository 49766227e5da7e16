package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-jwt-secret-for-testing-32+"

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// chdir changes the working directory for the duration of the test
// (testing.T.Chdir needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_EnvDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("AUTH_JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Discussion.EditWindow)
	assert.Equal(t, 2*time.Second, cfg.Discussion.ResubscribeDelay)
	assert.Equal(t, 1, cfg.Discussion.SubscriberBuffer)
	assert.Equal(t, "discussion:", cfg.Redis.ChannelPrefix)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Storage.Enabled())
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	path := writeYAML(t, `
server:
  addr: ":9090"
auth:
  jwt_secret: "`+testSecret+`"
discussion:
  edit_window: "5m"
log:
  level: "debug"
  format: "text"
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DISCUSSION_EDIT_WINDOW", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Discussion.EditWindow)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Auth:       AuthConfig{JWTSecret: testSecret},
			Discussion: DiscussionConfig{EditWindow: time.Minute, SubscriberBuffer: 1},
			Log:        LogConfig{Format: "json"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "short secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }},
		{name: "zero edit window", mutate: func(c *Config) { c.Discussion.EditWindow = 0 }},
		{name: "negative resubscribe delay", mutate: func(c *Config) { c.Discussion.ResubscribeDelay = -time.Second }},
		{name: "zero buffer", mutate: func(c *Config) { c.Discussion.SubscriberBuffer = 0 }},
		{name: "storage without keys", mutate: func(c *Config) { c.Storage.Endpoint = "localhost:9000" }},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
