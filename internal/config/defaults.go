package config

import "metacore/internal/core"

// Defaults returns the built-in value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"storage.driver":                       "sqlite",
		"storage.sqlite_path":                  "metacore.db",
		"storage.postgres_dsn":                 "",
		"blob.driver":                          "",
		"blob.fs_root":                         "templatefiles",
		"blob.s3.bucket":                       "",
		"blob.s3.region":                       "us-east-1",
		"blob.s3.endpoint":                     "",
		"blob.s3.path_style":                   false,
		"artifacts.driver":                     "memory",
		"artifacts.redis_url":                  "",
		"templates.max_samples":                core.DefaultMaxSamples,
		"templates.protected_sample_templates": []int64{1},
		"registry.catalog_path":                "",
		"log.level":                            "info",
		"observability.metrics":                "",
		"observability.metrics_path":           "",
		"observability.trace_path":             "",
	}
}
