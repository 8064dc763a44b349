package config

import (
	"fmt"
	"strings"
)

var validFilterMethods = map[string]struct{}{
	"mosaic": {},
	"blur":   {},
	"solid":  {},
}

// ValidFilterMethod reports whether method is one of mosaic, blur, or solid.
func ValidFilterMethod(method string) bool {
	_, ok := validFilterMethods[strings.ToLower(strings.TrimSpace(method))]
	return ok
}

// Validate checks configuration values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return fmt.Errorf("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.BlobDir) == "" {
		return fmt.Errorf("paths.blob_dir must be set")
	}
	if strings.TrimSpace(c.Storage.Bind) == "" {
		return fmt.Errorf("storage.bind must be set")
	}
	if !ValidFilterMethod(c.Filter.Method) {
		return fmt.Errorf("filter.method must be one of mosaic, blur, solid; got %q", c.Filter.Method)
	}
	if c.Filter.MosaicSize < 1 || c.Filter.MosaicSize > 120 {
		return fmt.Errorf("filter.mosaic_size must be between 1 and 120; got %d", c.Filter.MosaicSize)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1; got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval < 1 {
		return fmt.Errorf("worker.poll_interval must be at least 1 second; got %d", c.Worker.PollInterval)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1; got %d", c.Worker.MaxAttempts)
	}
	if c.Worker.RetryBackoff < 0 {
		return fmt.Errorf("worker.retry_backoff must not be negative; got %d", c.Worker.RetryBackoff)
	}
	if c.Worker.StaleClaimTimeout < 0 {
		return fmt.Errorf("worker.stale_claim_timeout must not be negative; got %d", c.Worker.StaleClaimTimeout)
	}
	if c.Storage.CapabilityTTL < 1 {
		return fmt.Errorf("storage.capability_ttl must be at least 1 second; got %d", c.Storage.CapabilityTTL)
	}
	if c.Storage.DetailReadTTL < 1 {
		return fmt.Errorf("storage.detail_read_ttl must be at least 1 second; got %d", c.Storage.DetailReadTTL)
	}
	if strings.TrimSpace(c.Bus.Broker) != "" && strings.TrimSpace(c.Bus.Topic) == "" {
		return fmt.Errorf("bus.topic must be set when bus.broker is configured")
	}
	return nil
}
