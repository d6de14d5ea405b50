// Package sym defines the segment symbols erpsync prints in CLI output and
// attaches to structured log entries. They are stable across releases so log
// queries can filter on them.
package sym

// Command segments
const (
	AM        = "≡" // am: configuration and system settings
	IX        = "⨳" // ix: extraction from a source system
	Sync      = "⇄" // sync: incremental delta synchronization
	Reconcile = "⋈" // reconcile: source/destination consistency checks
	Batch     = "▦" // batch: parallel resumable batch processing
)

// System markers
const (
	Pulse      = "꩜" // scheduler and worker activity
	PulseOpen  = "✿" // graceful startup with checkpoint recovery
	PulseClose = "❀" // graceful shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
)
