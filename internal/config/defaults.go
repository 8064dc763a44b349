package config

import "time"

const (
	defaultDataDir           = "~/.local/share/veil"
	defaultBlobDir           = "~/.local/share/veil/blobs"
	defaultLogDir            = "~/.local/share/veil/logs"
	defaultScratchDir        = "~/.local/share/veil/scratch"
	defaultStorageBind       = "127.0.0.1:7419"
	defaultCapabilityTTL     = 300
	defaultDetailReadTTL     = 60
	defaultFilterBinary      = "anonymizer"
	defaultFilterMethod      = "mosaic"
	defaultFilterMosaicSize  = 16
	defaultFilterTimeout     = 600
	defaultWorkerConcurrency = 1
	defaultPollInterval      = 10
	defaultMaxAttempts       = 3
	defaultRetryBackoff      = 10
	defaultStaleClaimTimeout = 900
	defaultReapInterval      = 60
	defaultBusTopic          = "veil-work"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			BlobDir:    defaultBlobDir,
			LogDir:     defaultLogDir,
			ScratchDir: defaultScratchDir,
		},
		Storage: Storage{
			Bind:          defaultStorageBind,
			CapabilityTTL: defaultCapabilityTTL,
			DetailReadTTL: defaultDetailReadTTL,
		},
		Filter: Filter{
			Binary:         defaultFilterBinary,
			Method:         defaultFilterMethod,
			MosaicSize:     defaultFilterMosaicSize,
			TimeoutSeconds: defaultFilterTimeout,
		},
		Worker: Worker{
			Concurrency:       defaultWorkerConcurrency,
			PollInterval:      defaultPollInterval,
			MaxAttempts:       defaultMaxAttempts,
			RetryBackoff:      defaultRetryBackoff,
			StaleClaimTimeout: defaultStaleClaimTimeout,
			ReapInterval:      defaultReapInterval,
		},
		Bus: Bus{
			Topic: defaultBusTopic,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// PollInterval returns the worker poll backstop as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollInterval) * time.Second
}

// RetryBackoff returns the per-attempt backoff unit as a duration.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Worker.RetryBackoff) * time.Second
}

// StaleClaimTimeout returns the reaper staleness threshold; zero disables the sweep.
func (c *Config) StaleClaimTimeout() time.Duration {
	return time.Duration(c.Worker.StaleClaimTimeout) * time.Second
}

// ReapInterval returns the period between stale-claim sweeps.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Worker.ReapInterval) * time.Second
}

// CapabilityTTL returns the default capability lifetime.
func (c *Config) CapabilityTTL() time.Duration {
	return time.Duration(c.Storage.CapabilityTTL) * time.Second
}

// DetailReadTTL returns the shortened lifetime for detail-view read capabilities.
func (c *Config) DetailReadTTL() time.Duration {
	return time.Duration(c.Storage.DetailReadTTL) * time.Second
}

// FilterTimeout returns the subprocess execution budget.
func (c *Config) FilterTimeout() time.Duration {
	return time.Duration(c.Filter.TimeoutSeconds) * time.Second
}
