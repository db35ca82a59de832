package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/sandbox"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := loadConfig(newViper(""))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".conveyor", "conveyor.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, sandbox.DefaultCacheSize, cfg.ExprCacheSize)
	assert.Equal(t, ":4100", cfg.ListenAddr)
	assert.Empty(t, cfg.DefinitionsDir)
	assert.Empty(t, cfg.Agent.Command)
}

func TestLoadConfig_SettingsFileInConveyorDir(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ".conveyor")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(`
pool_size: 3
definitions_dir: /srv/pipelines
agent:
  command: my-agent
  args: [--stdio, --quiet]
  default_tool: ask
`), 0o644))

	cfg, err := loadConfig(newViper(""))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, "/srv/pipelines", cfg.DefinitionsDir)
	assert.Equal(t, AgentConfig{Command: "my-agent", Args: []string{"--stdio", "--quiet"}, DefaultTool: "ask"}, cfg.Agent)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	isolateHome(t)
	file := filepath.Join(t.TempDir(), "conveyor.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"pool_size": 3, "log_level": "debug"}`), 0o644))

	t.Setenv("CONVEYOR_POOL_SIZE", "7")
	t.Setenv("CONVEYOR_AGENT_COMMAND", "env-agent")

	cfg, err := loadConfig(newViper(file))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "env-agent", cfg.Agent.Command)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	isolateHome(t)
	_, err := loadConfig(newViper(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"pool size", map[string]string{"CONVEYOR_POOL_SIZE": "0"}},
		{"log format", map[string]string{"CONVEYOR_LOG_FORMAT": "xml"}},
		{"timezone", map[string]string{"CONVEYOR_TIMEZONE": "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateHome(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(newViper(""))
			assert.Error(t, err)
		})
	}
}

func TestConfigDSN(t *testing.T) {
	assert.Equal(t, "file:/var/lib/conveyor.db", Config{DBPath: "/var/lib/conveyor.db"}.dsn())
	assert.Equal(t, "file:data/conveyor.db", Config{DBPath: "data/conveyor.db"}.dsn())
	assert.Equal(t, "file:/tmp/x.db", Config{DBPath: "file:/tmp/x.db"}.dsn())
	assert.Equal(t, "libsql://db.example.com", Config{DBPath: "libsql://db.example.com"}.dsn())
}
