package am

// Config represents the erpsync configuration
type Config struct {
	Database   DatabaseConfig          `mapstructure:"database"`
	Storage    StorageConfig           `mapstructure:"storage"`
	Extraction ExtractionConfig        `mapstructure:"extraction"`
	Batch      BatchConfig             `mapstructure:"batch"`
	Sync       SyncConfig              `mapstructure:"sync"`
	Reconcile  ReconcileConfig         `mapstructure:"reconcile"`
	Pulse      PulseConfig             `mapstructure:"pulse"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Log        LogConfig               `mapstructure:"log"`
	Sources    map[string]SourceConfig `mapstructure:"sources"`
}

// DatabaseConfig configures the SQLite database holding the destination
// store and execution history
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig configures where JSON documents (checkpoints, sync state,
// job definitions, reconciliation reports) are kept
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ExtractionConfig bounds calls into source systems
type ExtractionConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`       // per extraction call (default: 300)
	ProbeTimeoutSeconds int     `mapstructure:"probe_timeout_seconds"` // connection tests (default: 10)
	PageSize            int     `mapstructure:"page_size"`             // paginated extraction page size (default: 500)
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`   // default throttle per source, 0 = unthrottled
	Burst               int     `mapstructure:"burst"`                 // throttle burst (default: 1)
}

// BatchConfig configures the batch processor
type BatchConfig struct {
	Workers            int `mapstructure:"workers"`             // worker goroutines (default: 5)
	MaxConcurrentJobs  int `mapstructure:"max_concurrent_jobs"` // processing permits (default: 3)
	BatchSize          int `mapstructure:"batch_size"`          // records per batch (default: 1000)
	CheckpointInterval int `mapstructure:"checkpoint_interval"` // batches between checkpoints (default: 100)
	RetryAttempts      int `mapstructure:"retry_attempts"`      // retries of a retryable batch (default: 2)
}

// SyncConfig configures incremental sync
type SyncConfig struct {
	OverlapMinutes int `mapstructure:"overlap_minutes"` // re-covered window before the watermark (default: 5)
	PageSize       int `mapstructure:"page_size"`       // 0 = extraction.page_size
}

// ReconcileConfig configures reconciliation
type ReconcileConfig struct {
	AbsoluteTolerance string `mapstructure:"absolute_tolerance"` // decimal string (default: "0.01")
	RelativeTolerance string `mapstructure:"relative_tolerance"` // decimal fraction (default: "0.001")
	AutoCorrect       bool   `mapstructure:"auto_correct"`
	ReportsEnabled    bool   `mapstructure:"reports_enabled"` // write a JSON report per run (default: true)
}

// PulseConfig configures the scheduler daemon
type PulseConfig struct {
	TickerIntervalSeconds  int `mapstructure:"ticker_interval_seconds"`  // how often due jobs are checked (default: 30)
	MaxConcurrentJobs      int `mapstructure:"max_concurrent_jobs"`      // executions in flight (default: 10)
	RetryBaseSeconds       int `mapstructure:"retry_base_seconds"`       // first retry delay (default: 30)
	RetryMaxSeconds        int `mapstructure:"retry_max_seconds"`        // retry delay cap (default: 600)
	MaxRetries             int `mapstructure:"max_retries"`              // default for new jobs (default: 3)
	DependencyDelaySeconds int `mapstructure:"dependency_delay_seconds"` // deferral on unmet dependencies (default: 60)
	RetentionDays          int `mapstructure:"retention_days"`           // cleanup horizon (default: 30)
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"` // listen address (default: ":9464")
}

// LogConfig configures logging beyond the -v flags
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn or error; empty = from -v (adjustable on reload)
}

// SourceConfig declares one source system
type SourceConfig struct {
	Type              string  `mapstructure:"type"`                // jsonfile or memory
	Path              string  `mapstructure:"path"`                // export directory for jsonfile
	Records           int     `mapstructure:"records"`             // generated records for memory
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // overrides extraction.requests_per_second
	Burst             int     `mapstructure:"burst"`
}

// Source adapter kinds
const (
	SourceKindJSONFile = "jsonfile"
	SourceKindMemory   = "memory"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
