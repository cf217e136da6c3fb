package leafsync

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DefaultDataPath is the scope rule for the entity endpoints.
const DefaultDataPath = "^/entities/(products|orders)(/|$)"

// Config is the sync engine configuration, persisted as config.yaml in the config directory.
type Config struct {
	viper          *viper.Viper
	ConfigDir      string        `mapstructure:"config_dir" json:"config_dir" yaml:"config_dir"`
	BackendURL     string        `mapstructure:"backend_url" json:"backend_url" yaml:"backend_url"`             // Base URL of the entity API
	DatabasePath   string        `mapstructure:"database_path" json:"database_path" yaml:"database_path"`       // SQLite file, relative paths are resolved against the config dir
	ProbeURL       string        `mapstructure:"probe_url" json:"probe_url" yaml:"probe_url"`                   // Defaults to BackendURL + "/healthz"
	ProbeInterval  time.Duration `mapstructure:"probe_interval" json:"probe_interval" yaml:"probe_interval"`    // Connectivity polling interval
	Debounce       time.Duration `mapstructure:"debounce" json:"debounce" yaml:"debounce"`                      // Time online before a reconnect is signalled
	SafetyInterval time.Duration `mapstructure:"safety_interval" json:"safety_interval" yaml:"safety_interval"` // Periodic reconciliation, zero disables it
	QueueRetention time.Duration `mapstructure:"queue_retention" json:"queue_retention" yaml:"queue_retention"` // Maximum age of a queued write
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	DataPaths      []string      `mapstructure:"data_paths" json:"data_paths" yaml:"data_paths"` // Scope rules of the caching transport
	LogLevel       string        `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFile        string        `mapstructure:"log_file" json:"log_file" yaml:"log_file"` // Used by the watch daemon
}

var defaults = map[string]any{
	"backend_url":     "http://127.0.0.1:3000/api",
	"database_path":   "leafsync.db",
	"probe_url":       "",
	"probe_interval":  "10s",
	"debounce":        "500ms",
	"safety_interval": "5m",
	"queue_retention": "24h",
	"request_timeout": "15s",
	"data_paths":      []string{DefaultDataPath},
	"log_level":       "info",
	"log_file":        "leafsync.log",
}

// DefaultConfig returns the configuration used when no config dir is given.
func DefaultConfig() *Config {
	return &Config{
		BackendURL:     defaults["backend_url"].(string),
		DatabasePath:   defaults["database_path"].(string),
		ProbeInterval:  10 * time.Second,
		Debounce:       500 * time.Millisecond,
		SafetyInterval: 5 * time.Minute,
		QueueRetention: 24 * time.Hour,
		RequestTimeout: 15 * time.Second,
		DataPaths:      []string{DefaultDataPath},
		LogLevel:       defaults["log_level"].(string),
		LogFile:        defaults["log_file"].(string),
	}
}

// LoadConfig reads config.yaml from dir, writing it with defaults on first run.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
	}

	cfg := &Config{viper: v}
	if err := cfg.reload(); err != nil {
		return nil, err
	}
	cfg.ConfigDir = dir
	return cfg, nil
}

func (cfg *Config) reload() error {
	dir := cfg.ConfigDir
	if err := cfg.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	if dir != "" {
		cfg.ConfigDir = dir
	}
	return nil
}

// Path resolves a configured file name against the config dir.
func (cfg *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) || cfg.ConfigDir == "" {
		return name
	}
	return filepath.Join(cfg.ConfigDir, name)
}

// Set updates a key and persists the config file.
func (cfg *Config) Set(key string, value any) error {
	if cfg.viper == nil {
		return fmt.Errorf("setting %s : config is not backed by a file", key)
	}
	cfg.viper.Set(key, value)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	return cfg.reload()
}

// Watch reloads the config whenever the file changes and calls onChange with the result.
func (cfg *Config) Watch(onChange func(cfg *Config, err error)) error {
	if cfg.viper == nil {
		return fmt.Errorf("watching config : config is not backed by a file")
	}
	cfg.viper.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		onChange(cfg, cfg.reload())
	})
	cfg.viper.WatchConfig()
	return nil
}
