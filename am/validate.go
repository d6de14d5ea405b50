package am

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/erpsync/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Zero extraction bounds fall back to component defaults, negative is invalid
	if c.Extraction.TimeoutSeconds < 0 {
		return errors.Newf("extraction.timeout_seconds must be >= 0, got %d", c.Extraction.TimeoutSeconds)
	}
	if c.Extraction.ProbeTimeoutSeconds < 0 {
		return errors.Newf("extraction.probe_timeout_seconds must be >= 0, got %d", c.Extraction.ProbeTimeoutSeconds)
	}
	if c.Extraction.PageSize < 0 {
		return errors.Newf("extraction.page_size must be >= 0, got %d", c.Extraction.PageSize)
	}
	if c.Extraction.RequestsPerSecond < 0 {
		return errors.Newf("extraction.requests_per_second must be >= 0, got %f", c.Extraction.RequestsPerSecond)
	}

	if c.Batch.Workers < 0 {
		return errors.Newf("batch.workers must be >= 0, got %d", c.Batch.Workers)
	}
	if c.Batch.MaxConcurrentJobs < 0 {
		return errors.Newf("batch.max_concurrent_jobs must be >= 0, got %d", c.Batch.MaxConcurrentJobs)
	}
	if c.Batch.BatchSize < 0 {
		return errors.Newf("batch.batch_size must be >= 0, got %d", c.Batch.BatchSize)
	}
	if c.Batch.CheckpointInterval < 0 {
		return errors.Newf("batch.checkpoint_interval must be >= 0, got %d", c.Batch.CheckpointInterval)
	}
	if c.Batch.RetryAttempts < 0 {
		return errors.Newf("batch.retry_attempts must be >= 0, got %d", c.Batch.RetryAttempts)
	}

	if c.Sync.OverlapMinutes < 0 {
		return errors.Newf("sync.overlap_minutes must be >= 0, got %d", c.Sync.OverlapMinutes)
	}

	for key, raw := range map[string]string{
		"reconcile.absolute_tolerance": c.Reconcile.AbsoluteTolerance,
		"reconcile.relative_tolerance": c.Reconcile.RelativeTolerance,
	} {
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return errors.Newf("%s must be a decimal, got %q", key, raw)
		}
		if d.IsNegative() {
			return errors.Newf("%s must be >= 0, got %s", key, raw)
		}
	}

	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.MaxConcurrentJobs < 0 {
		return errors.Newf("pulse.max_concurrent_jobs must be >= 0, got %d", c.Pulse.MaxConcurrentJobs)
	}
	if c.Pulse.MaxRetries < 0 || c.Pulse.MaxRetries > 20 {
		return errors.Newf("pulse.max_retries must be between 0 and 20, got %d", c.Pulse.MaxRetries)
	}
	if c.Pulse.RetryBaseSeconds < 0 || c.Pulse.RetryMaxSeconds < 0 {
		return errors.New("pulse retry delays must be >= 0")
	}
	if c.Pulse.RetryMaxSeconds > 0 && c.Pulse.RetryBaseSeconds > c.Pulse.RetryMaxSeconds {
		return errors.Newf("pulse.retry_base_seconds (%d) exceeds pulse.retry_max_seconds (%d)",
			c.Pulse.RetryBaseSeconds, c.Pulse.RetryMaxSeconds)
	}
	if c.Pulse.DependencyDelaySeconds < 0 {
		return errors.Newf("pulse.dependency_delay_seconds must be >= 0, got %d", c.Pulse.DependencyDelaySeconds)
	}
	if c.Pulse.RetentionDays < 0 {
		return errors.Newf("pulse.retention_days must be >= 0, got %d", c.Pulse.RetentionDays)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address cannot be empty when metrics are enabled")
	}

	if c.Log.Level != "" {
		if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
			return errors.Newf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
		}
	}

	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := c.Sources[name]
		switch src.Type {
		case SourceKindJSONFile:
			if src.Path == "" {
				return errors.Newf("sources.%s.path cannot be empty for a jsonfile source", name)
			}
		case SourceKindMemory:
			if src.Records < 0 {
				return errors.Newf("sources.%s.records must be >= 0, got %d", name, src.Records)
			}
		default:
			return errors.Newf("sources.%s.type must be %s or %s, got %q", name, SourceKindJSONFile, SourceKindMemory, src.Type)
		}
		if src.RequestsPerSecond < 0 {
			return errors.Newf("sources.%s.requests_per_second must be >= 0, got %f", name, src.RequestsPerSecond)
		}
	}

	return nil
}
