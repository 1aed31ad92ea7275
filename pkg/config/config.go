// Package config loads visitgraphd configuration from YAML files and
// environment variables. Precedence, lowest to highest: built-in defaults,
// config file, VISITGRAPH_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Writer  WriterConfig  `yaml:"writer"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxBodyBytes caps the size of accepted request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// AdminUser and AdminPasswordHash gate the /admin endpoints via HTTP
	// Basic auth. The hash is bcrypt. Both empty disables the endpoints.
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// StorageConfig selects and configures the storage engine.
type StorageConfig struct {
	// Engine is "badger" or "memory".
	Engine string `yaml:"engine"`

	// DataDir is the badger data directory. Ignored for the memory engine.
	DataDir string `yaml:"data_dir"`

	// SyncWrites forces badger to fsync every commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// CacheConfig bounds the identity caches.
type CacheConfig struct {
	UserEntries int `yaml:"user_entries"`
	SiteEntries int `yaml:"site_entries"`

	// WarmOnStart pre-loads both caches from the store before serving.
	WarmOnStart bool `yaml:"warm_on_start"`
}

// WriterConfig tunes the async write-behind path.
type WriterConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushChunkSize int           `yaml:"flush_chunk_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         7171,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Storage: StorageConfig{
			Engine:  "badger",
			DataDir: "./data",
		},
		Cache: CacheConfig{
			UserEntries: 10_000_000,
			SiteEntries: 100_000,
		},
		Writer: WriterConfig{
			FlushInterval:  time.Second,
			FlushChunkSize: 1000,
		},
	}
}

// LoadFromFile reads a YAML config file over the defaults, then applies
// environment overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load returns the defaults with environment overrides applied, without
// consulting a config file.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile returns the first config file found in the conventional
// locations, or "" when none exists.
func FindConfigFile() string {
	candidates := []string{
		"visitgraph.yaml",
		"visitgraph.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".visitgraph", "config.yaml"),
		)
	}
	candidates = append(candidates, "/etc/visitgraph/config.yaml")

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	envStr("VISITGRAPH_HOST", &c.Server.Host)
	envInt("VISITGRAPH_PORT", &c.Server.Port)
	envDuration("VISITGRAPH_READ_TIMEOUT", &c.Server.ReadTimeout)
	envDuration("VISITGRAPH_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	envInt64("VISITGRAPH_MAX_BODY_BYTES", &c.Server.MaxBodyBytes)
	envStr("VISITGRAPH_ADMIN_USER", &c.Server.AdminUser)
	envStr("VISITGRAPH_ADMIN_PASSWORD_HASH", &c.Server.AdminPasswordHash)

	envStr("VISITGRAPH_STORAGE_ENGINE", &c.Storage.Engine)
	envStr("VISITGRAPH_DATA_DIR", &c.Storage.DataDir)
	envBool("VISITGRAPH_SYNC_WRITES", &c.Storage.SyncWrites)

	envInt("VISITGRAPH_USER_CACHE_ENTRIES", &c.Cache.UserEntries)
	envInt("VISITGRAPH_SITE_CACHE_ENTRIES", &c.Cache.SiteEntries)
	envBool("VISITGRAPH_WARM_ON_START", &c.Cache.WarmOnStart)

	envInt("VISITGRAPH_QUEUE_CAPACITY", &c.Writer.QueueCapacity)
	envDuration("VISITGRAPH_FLUSH_INTERVAL", &c.Writer.FlushInterval)
	envInt("VISITGRAPH_FLUSH_CHUNK_SIZE", &c.Writer.FlushChunkSize)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.Storage.Engine {
	case "badger", "memory":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "badger" && c.Storage.DataDir == "" {
		return fmt.Errorf("config: badger engine requires data_dir")
	}
	if c.Cache.UserEntries <= 0 {
		return fmt.Errorf("config: user cache entries must be positive, got %d", c.Cache.UserEntries)
	}
	if c.Cache.SiteEntries <= 0 {
		return fmt.Errorf("config: site cache entries must be positive, got %d", c.Cache.SiteEntries)
	}
	if c.Writer.FlushInterval <= 0 {
		return fmt.Errorf("config: flush interval must be positive, got %s", c.Writer.FlushInterval)
	}
	if c.Writer.FlushChunkSize <= 0 {
		return fmt.Errorf("config: flush chunk size must be positive, got %d", c.Writer.FlushChunkSize)
	}
	return nil
}

// ListenAddr returns the host:port the server should bind.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
