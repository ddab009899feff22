package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCatalog(); err != nil {
		return err
	}
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateAggregation(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateCatalog() error {
	if c.Catalog.Path == "" {
		return errors.New("catalog.path must be set")
	}
	if c.Catalog.MinProbability < 0 || c.Catalog.MinProbability > 1 {
		return errors.New("catalog.min_probability must be between 0 and 1")
	}
	if len(c.Catalog.Bands) == 0 {
		return errors.New("catalog.bands must list at least one band")
	}
	for _, band := range c.Catalog.Bands {
		if len(band) > 8 {
			return fmt.Errorf("catalog.bands: band code %q is too long", band)
		}
	}
	return nil
}

func (c *Config) validateDispatch() error {
	if err := ensurePositiveMap(map[string]int{
		"dispatch.max_concurrency":      c.Dispatch.MaxConcurrency,
		"dispatch.poll_interval":        c.Dispatch.PollInterval,
		"dispatch.error_retry_interval": c.Dispatch.ErrorRetryInterval,
		"dispatch.store_backoff_max":    c.Dispatch.StoreBackoffMax,
		"dispatch.batch_size":           c.Dispatch.BatchSize,
		"dispatch.lease_ttl":            c.Dispatch.LeaseTTL,
		"dispatch.lease_renew_interval": c.Dispatch.LeaseRenewInterval,
	}); err != nil {
		return err
	}
	if c.Dispatch.LeaseTTL <= 2*c.Dispatch.LeaseRenewInterval {
		return errors.New("dispatch.lease_ttl must be more than twice dispatch.lease_renew_interval")
	}
	if c.Dispatch.StoreBackoffMax < c.Dispatch.ErrorRetryInterval {
		return errors.New("dispatch.store_backoff_max must be at least dispatch.error_retry_interval")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if err := ensurePositiveMap(map[string]int{
		"retry.max_attempts": c.Retry.MaxAttempts,
		"retry.backoff_base": c.Retry.BackoffBase,
		"retry.backoff_cap":  c.Retry.BackoffCap,
	}); err != nil {
		return err
	}
	if c.Retry.BackoffCap < c.Retry.BackoffBase {
		return errors.New("retry.backoff_cap must be at least retry.backoff_base")
	}
	return nil
}

func (c *Config) validateAggregation() error {
	if c.Aggregation.ConvergenceCap <= 0 {
		return errors.New("aggregation.convergence_cap must be positive")
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.TTL < 0 {
		return errors.New("cache.ttl must be zero or positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must be zero or positive")
	}
	topic := c.Notifications.NtfyTopic
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be a full http(s) URL, got %q", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be zero or positive")
	}
	for stage := range c.Logging.StageOverrides {
		if _, ok := c.StageConfig(stage); !ok {
			return fmt.Errorf("logging.stage_overrides: unknown stage %q", stage)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
