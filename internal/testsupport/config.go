package testsupport

import (
	"path/filepath"
	"testing"

	"veil/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.BlobDir = filepath.Join(base, "blobs")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfg.Storage.Bind = "127.0.0.1:0"
	cfg.Storage.APIToken = "test-token"
	cfg.Storage.Secret = "test-secret"
	cfg.Worker.PollInterval = 1
	cfg.Worker.RetryBackoff = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithMaxAttempts overrides the retry limit on the test config.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Worker.MaxAttempts = attempts
	}
}

// WithFilterBinary points the filter client at the given executable.
func WithFilterBinary(path string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Filter.Binary = path
	}
}

// WithConcurrency overrides the worker slot count on the test config.
func WithConcurrency(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Worker.Concurrency = n
	}
}
