// Package config loads service configuration from a YAML file with
// ${VAR} expansion, then applies the optimizer's environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Jesssullivan/blog-media/internal/optimize"
	"github.com/Jesssullivan/blog-media/internal/storage"
)

// Config is the full service configuration.
type Config struct {
	Addr        string          `yaml:"addr"`
	DataDir     string          `yaml:"data_dir"`
	TailnetOnly bool            `yaml:"tailnet_only"`
	Hostname    string          `yaml:"hostname"`
	Optimizer   optimize.Config `yaml:"optimizer"`
	Storage     Storage         `yaml:"storage"`
	Upload      Upload          `yaml:"upload"`
	Import      Import          `yaml:"import"`
}

// Storage selects the object store backend.
type Storage struct {
	Backend string           `yaml:"backend"` // "local" or "s3"
	Dir     string           `yaml:"dir"`     // local backend root; defaults under DataDir
	S3      storage.S3Config `yaml:"s3"`
}

// Upload bounds the HTTP upload path.
type Upload struct {
	MaxBytes  int64   `yaml:"max_bytes"`
	RateLimit float64 `yaml:"rate_limit"` // uploads per second
	Burst     int     `yaml:"burst"`
	Workers   int     `yaml:"workers"` // concurrent optimizations
}

// Import configures the bulk URL importer.
type Import struct {
	RateLimit  float64       `yaml:"rate_limit"` // downloads per second
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Addr:      ":8420",
		Hostname:  "blog-media",
		Optimizer: optimize.DefaultConfig(),
		Storage:   Storage{Backend: "local"},
		Upload: Upload{
			MaxBytes:  20 << 20,
			RateLimit: 5,
			Burst:     10,
			Workers:   2,
		},
		Import: Import{
			RateLimit:  10,
			MaxRetries: 3,
			Timeout:    30 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv applies the optimizer environment variables. Unparseable values
// are ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("OPTIMIZE_ON_UPLOAD"); ok {
		if b, ok := parseBool(v); ok {
			c.Optimizer.Enabled = b
		}
	}
	if v, ok := lookup("OPTIMIZER_MAX_PIXELS"); ok {
		if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil {
			c.Optimizer.MaxPixels = n
		}
	}
	if v, ok := lookup("OPTIMIZER_KEEP_ORIGINAL"); ok {
		if b, ok := parseBool(v); ok {
			c.Optimizer.KeepOriginal = b
		}
	}
	if v, ok := lookup("OPTIMIZER_WEBP_QUALITY_DEFAULT"); ok {
		if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8); err == nil {
			c.Optimizer.DefaultQuality = int(n)
		}
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Validate clamps the optimizer quality and rejects unusable settings.
func (c *Config) Validate() error {
	c.Optimizer.DefaultQuality = min(max(c.Optimizer.DefaultQuality, 0), 100)

	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.endpoint and storage.s3.bucket are required")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("config: upload.max_bytes must be positive")
	}
	if c.Upload.Workers < 1 {
		return fmt.Errorf("config: upload.workers must be at least 1")
	}
	if c.Optimizer.MinSavings < 0 || c.Optimizer.MinSavings >= 1 {
		return fmt.Errorf("config: optimizer.min_savings must be in [0, 1)")
	}
	if c.Import.MaxRetries < 1 {
		c.Import.MaxRetries = 1
	}
	return nil
}

// CatalogPath is the SQLite database location.
func (c Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "media.db")
}

// ObjectDir is the local storage root.
func (c Config) ObjectDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.DataDir, "objects")
}
