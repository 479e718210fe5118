// Package config handles configuration loading for dispatch. It supports XDG
// config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for dispatch.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// SchedulerConfig holds assignment-core settings.
type SchedulerConfig struct {
	// MaxTasksPerAgent caps concurrent assignments per agent.
	MaxTasksPerAgent int `mapstructure:"max_tasks_per_agent"`
	// SweepInterval is how often timed-out assignments are swept.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// TaskDeadline is how long submitted requests stay assignable.
	TaskDeadline time.Duration `mapstructure:"task_deadline"`
}

// NATSConfig holds message bus settings.
type NATSConfig struct {
	// URL is the NATS server address. Empty selects the in-process bus.
	URL string `mapstructure:"url"`
}

// StoreConfig holds memory store settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty uses the XDG data path.
	Path string `mapstructure:"path"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// LogConfig holds debug logging settings.
type LogConfig struct {
	// DebugPath is the debug log file. Empty disables debug logging.
	DebugPath string `mapstructure:"debug_path"`
}

// Load loads configuration with the usual precedence, highest first:
// environment variables (DISPATCH_*), project config (.dispatch.yaml in the
// current directory or a parent), user config
// (~/.config/dispatch/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("nats.url", "DISPATCH_NATS_URL")
	v.BindEnv("store.path", "DISPATCH_STORE_PATH")
	v.BindEnv("metrics.addr", "DISPATCH_METRICS_ADDR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("scheduler.max_tasks_per_agent", cfg.Scheduler.MaxTasksPerAgent)
	v.Set("scheduler.sweep_interval", cfg.Scheduler.SweepInterval.String())
	v.Set("scheduler.task_deadline", cfg.Scheduler.TaskDeadline.String())
	v.Set("nats.url", cfg.NATS.URL)
	v.Set("store.path", cfg.Store.Path)
	v.Set("metrics.addr", cfg.Metrics.Addr)
	v.Set("log.debug_path", cfg.Log.DebugPath)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the project config file path if one exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.max_tasks_per_agent", 3)
	v.SetDefault("scheduler.sweep_interval", "30s")
	v.SetDefault("scheduler.task_deadline", "24h")

	v.SetDefault("nats.url", "")
	v.SetDefault("store.path", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.debug_path", "")
}

// getUserConfigDir returns the XDG config directory for dispatch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dispatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "dispatch")
	}
	return filepath.Join(home, ".config", "dispatch")
}

// findProjectConfig searches for .dispatch.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".dispatch.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxTasksPerAgent: 3,
			SweepInterval:    30 * time.Second,
			TaskDeadline:     24 * time.Hour,
		},
	}
}
