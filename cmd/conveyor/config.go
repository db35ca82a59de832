package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/conveyor/internal/sandbox"
)

// Config holds all conveyor configuration.
// Priority: flags > CONVEYOR_* env vars > settings file > defaults.
type Config struct {
	DBPath         string      `mapstructure:"db_path"`
	LogLevel       string      `mapstructure:"log_level"`
	LogFormat      string      `mapstructure:"log_format"`
	PoolSize       int         `mapstructure:"pool_size"`
	ExprCacheSize  int         `mapstructure:"expr_cache_size"`
	ListenAddr     string      `mapstructure:"listen_addr"`
	MetricsAddr    string      `mapstructure:"metrics_addr"`
	DefinitionsDir string      `mapstructure:"definitions_dir"`
	Timezone       string      `mapstructure:"timezone"`
	Agent          AgentConfig `mapstructure:"agent"`
}

// AgentConfig describes the MCP server agent_task steps are dispatched to.
// An empty Command leaves agent steps without a dispatcher.
type AgentConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	DefaultTool string   `mapstructure:"default_tool"`
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(conveyorDir(), "conveyor.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", 10)
	v.SetDefault("expr_cache_size", sandbox.DefaultCacheSize)
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("definitions_dir", "")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.default_tool", "")
}

// newViper returns a viper instance reading settings.{yaml,json} from the
// conveyor directory, or file when set, with CONVEYOR_* env overrides.
// agent.command maps to CONVEYOR_AGENT_COMMAND.
func newViper(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(conveyorDir())
	}
	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the configuration. A missing default settings file is
// fine; a missing explicit one is not.
func loadConfig(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be positive, got %d", c.PoolSize)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log_format must be text or json, got %q", c.LogFormat)
	}
	if _, err := c.location(); err != nil {
		return err
	}
	return nil
}

// location resolves the timezone schedule triggers are evaluated in.
func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone: %w", err)
	}
	return loc, nil
}

// dsn turns db_path into the file URI the libsql driver expects.
func (c Config) dsn() string {
	if strings.Contains(c.DBPath, ":") && !filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
