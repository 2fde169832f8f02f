// Package config loads localxa configuration from YAML files and the
// environment, with hot reload of the log level.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "LOCALXA"

// Config is the complete localxa configuration.
type Config struct {
	Log                LogConfig                 `mapstructure:"log"`
	Adapter            AdapterConfig             `mapstructure:"adapter"`
	TransactionManager TransactionManagerConfig  `mapstructure:"transaction_manager"`
	Databases          map[string]DatabaseConfig `mapstructure:"databases"`
	Metrics            MetricsConfig             `mapstructure:"metrics"`
	Tracing            TracingConfig             `mapstructure:"tracing"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AdapterConfig configures the enlisting data sources.
type AdapterConfig struct {
	InterposedSynchronizations bool `mapstructure:"interposed_synchronizations"`
	StrictClosedChecking       bool `mapstructure:"strict_closed_checking"`
}

type TransactionManagerConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	FormatID       int32         `mapstructure:"format_id"`
}

// DatabaseConfig describes one resource manager.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.TransactionManager.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("transaction_manager.default_timeout must be positive"))
	}
	if c.TransactionManager.ReaperInterval <= 0 {
		errs = append(errs, errors.New("transaction_manager.reaper_interval must be positive"))
	}
	for name, db := range c.Databases {
		switch db.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("databases.%s.driver: unsupported driver %q", name, db.Driver))
		}
		if db.DSN == "" {
			errs = append(errs, fmt.Errorf("databases.%s.dsn is required", name))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// Manager owns the viper instance behind a Config.
type Manager struct {
	v      *viper.Viper
	logger *zap.Logger

	mu     sync.RWMutex
	config *Config
}

// NewManager creates a Manager with defaults and environment binding set up.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Manager{v: v, logger: logger}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("adapter.interposed_synchronizations", true)
	v.SetDefault("adapter.strict_closed_checking", true)
	v.SetDefault("transaction_manager.default_timeout", 5*time.Minute)
	v.SetDefault("transaction_manager.reaper_interval", 30*time.Second)
	v.SetDefault("transaction_manager.format_id", 0x4c58)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "localxa")
}

// Load merges the config files that exist among paths, then the
// environment, and validates the result.
func (m *Manager) Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{"./config.yaml", "./configs/config.yaml"}
	}

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.logger.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}
		m.v.SetConfigFile(path)
		if err := m.v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		m.logger.Warn("No configuration files found, using defaults and environment variables")
	}

	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	m.logger.Info("Configuration loaded", zap.Strings("files", loaded))
	return cfg, nil
}

func (m *Manager) unmarshal() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Databases) == 0 {
		cfg.Databases = map[string]DatabaseConfig{
			"ledger_a": {Driver: "sqlite", DSN: "ledger_a.db"},
			"ledger_b": {Driver: "sqlite", DSN: "ledger_b.db"},
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Config returns the last successfully loaded configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch reloads the configuration when the last loaded file changes and
// passes every valid new configuration to onChange. An invalid file keeps
// the previous configuration.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Info("Configuration file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		cfg, err := m.unmarshal()
		if err != nil {
			m.logger.Error("Ignoring invalid configuration", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.config = cfg
		m.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}

// LevelUpdater returns an onChange func that applies log.level to level.
func LevelUpdater(level zap.AtomicLevel, logger *zap.Logger) func(*Config) {
	return func(cfg *Config) {
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			logger.Warn("Invalid log level", zap.String("level", cfg.Log.Level), zap.Error(err))
			return
		}
		logger.Info("Log level updated", zap.String("level", cfg.Log.Level))
	}
}
