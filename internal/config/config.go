// Package config loads the sync daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/tempo/backend/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TEMPO_"

// Config is the daemon configuration.
type Config struct {
	APIBaseURL     string        `yaml:"api_base_url" json:"api_base_url"`
	Token          string        `yaml:"token" json:"-"`
	UserID         string        `yaml:"user_id" json:"user_id"`
	DataDir        string        `yaml:"data_dir" json:"data_dir"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	SyncInterval  time.Duration `yaml:"sync_interval" json:"sync_interval"`
	QueueInterval time.Duration `yaml:"queue_interval" json:"queue_interval"`
	QueueWorkers  int           `yaml:"queue_workers" json:"queue_workers"`
	QueueCapacity int           `yaml:"queue_capacity" json:"queue_capacity"`

	ProbeURL      string        `yaml:"probe_url" json:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:     "http://localhost:8080",
		DataDir:        defaultDataDir(),
		RequestTimeout: 30 * time.Second,
		SyncInterval:   15 * time.Minute,
		QueueInterval:  1 * time.Minute,
		QueueWorkers:   4,
		QueueCapacity:  1000,
		ProbeInterval:  30 * time.Second,
		LogLevel:       "info",
		ListenAddr:     "127.0.0.1:8090",
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tempo")
	}
	return ".tempo"
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TEMPO_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"API_BASE_URL": &c.APIBaseURL,
		"TOKEN":        &c.Token,
		"USER_ID":      &c.UserID,
		"DATA_DIR":     &c.DataDir,
		"PROBE_URL":    &c.ProbeURL,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FILE":     &c.LogFile,
		"LISTEN_ADDR":  &c.ListenAddr,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT": &c.RequestTimeout,
		"SYNC_INTERVAL":   &c.SyncInterval,
		"QUEUE_INTERVAL":  &c.QueueInterval,
		"PROBE_INTERVAL":  &c.ProbeInterval,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"QUEUE_WORKERS":  &c.QueueWorkers,
		"QUEUE_CAPACITY": &c.QueueCapacity,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}
	return nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q is not an absolute URL", c.APIBaseURL))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.SyncInterval < time.Second {
		errs = append(errs, errors.New("sync_interval must be at least 1s"))
	}
	if c.QueueInterval < time.Second {
		errs = append(errs, errors.New("queue_interval must be at least 1s"))
	}
	if c.QueueWorkers < 1 {
		errs = append(errs, errors.New("queue_workers must be at least 1"))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, errors.New("queue_capacity must be at least 1"))
	}
	if c.ProbeURL != "" && c.ProbeInterval <= 0 {
		errs = append(errs, errors.New("probe_interval must be positive"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() logging.LogLevel {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}

