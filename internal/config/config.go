// Package config loads the runtime configuration of the template engine from
// defaults, an optional JSON file and METACORE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"metacore/internal/blob"
	"metacore/internal/core"
	"metacore/internal/registry"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: METACORE_STORAGE__DRIVER sets storage.driver.
const EnvPrefix = "METACORE_"

// Config is the complete runtime configuration.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Blob      BlobConfig      `koanf:"blob"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Templates TemplatesConfig `koanf:"templates"`
	Registry  RegistryConfig  `koanf:"registry"`
	Log       LogConfig       `koanf:"log"`

	Observability ObservabilityConfig `koanf:"observability"`
}

type StorageConfig struct {
	Driver      string `koanf:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `koanf:"sqlite_path"`
	PostgresDSN string `koanf:"postgres_dsn" validate:"required_if=Driver postgres"`
}

type BlobConfig struct {
	// Driver is empty when template files are not archived.
	Driver string   `koanf:"driver" validate:"omitempty,oneof=fs memory s3"`
	FSRoot string   `koanf:"fs_root"`
	S3     S3Config `koanf:"s3"`
}

type S3Config struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `koanf:"path_style"`
}

type ArtifactsConfig struct {
	Driver   string `koanf:"driver" validate:"oneof=memory redis"`
	RedisURL string `koanf:"redis_url" validate:"required_if=Driver redis"`
}

type TemplatesConfig struct {
	MaxSamples               int     `koanf:"max_samples" validate:"min=1"`
	ProtectedSampleTemplates []int64 `koanf:"protected_sample_templates" validate:"dive,min=1"`
}

type RegistryConfig struct {
	// CatalogPath names a JSON restriction catalog replacing the built-in one.
	CatalogPath string `koanf:"catalog_path"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

// Metrics recorders selectable through observability.metrics.
const (
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

type ObservabilityConfig struct {
	// Metrics selects the recorder whose totals are written to MetricsPath
	// when a command exits; empty disables metrics.
	Metrics     string `koanf:"metrics" validate:"omitempty,oneof=expvar prometheus"`
	MetricsPath string `koanf:"metrics_path" validate:"required_with=Metrics"`
	// TracePath receives one JSON line per service operation when set.
	TracePath string `koanf:"trace_path"`
}

// Load layers defaults, the JSON file at path (skipped when path is empty)
// and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Blob.Driver == string(blob.DriverS3) && c.Blob.S3.Bucket == "" {
		return errors.New("config validation failed: blob.s3.bucket is required for the s3 driver")
	}
	return nil
}

// envTransform maps METACORE_TEMPLATES__MAX_SAMPLES to templates.max_samples.
func envTransform(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// StorageConfig selects the template store.
func (c *Config) StorageConfig() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobConfig selects the template file archive; ok is false when archiving
// is disabled.
func (c *Config) BlobConfig() (cfg blob.Config, ok bool) {
	if c.Blob.Driver == "" {
		return blob.Config{}, false
	}
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}, true
}

// ArtifactConfig selects the downstream artifact registry.
func (c *Config) ArtifactConfig() core.ArtifactConfig {
	return core.ArtifactConfig{
		Driver:   core.ArtifactDriver(c.Artifacts.Driver),
		RedisURL: c.Artifacts.RedisURL,
	}
}

// LoadRegistry builds the category registry, reading the catalog file once.
func (c *Config) LoadRegistry() (*registry.Registry, error) {
	if c.Registry.CatalogPath == "" {
		return registry.Default(), nil
	}
	return registry.Load(c.Registry.CatalogPath)
}
