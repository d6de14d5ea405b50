package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/am"
	"github.com/teranos/erpsync/engine"
	"github.com/teranos/erpsync/logger"
	"github.com/teranos/erpsync/metrics"
	"github.com/teranos/erpsync/pulse/schedule"
	"github.com/teranos/erpsync/sym"
	"github.com/teranos/erpsync/version"
)

// PulseCmd represents the pulse command - the scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Manage the Pulse scheduler daemon",
	Long: sym.Pulse + ` Pulse daemon - scheduled extraction, sync and reconciliation.

The Pulse daemon provides:
- Scheduled job execution (cron, interval and one-shot jobs)
- Dependency gating between jobs and retries with backoff
- Batch processing with checkpoints that survive restarts
- GRACE shutdown (interrupts running jobs and keeps their checkpoints)

Example:
  erpsync pulse start           # Start daemon in foreground
  erpsync pulse stats           # Show job and execution counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Resume batch jobs left unfinished by the last run
- Start the scheduler ticker for scheduled jobs
- Serve Prometheus metrics when metrics.enabled is set
- Apply changes to am.toml concurrency limits without a restart
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: runPulseStart,
}

var pulseStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler statistics",
	RunE:  runPulseStats,
}

func init() {
	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseStatsCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// -v on the command line wins over log.level
	if cfg.Log.Level != "" && !cmd.Flags().Changed("verbose") {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			return err
		}
	}

	var opts []engine.Option
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		opts = append(opts, engine.WithMetrics(collector))
	}

	e, closeEngine, err := openEngine(opts...)
	if err != nil {
		return err
	}
	defer closeEngine()

	fmt.Printf("%s Starting Pulse daemon...\n", sym.PulseOpen)
	if err := e.Start(ctx); err != nil {
		return err
	}

	metricsDone := make(chan struct{})
	if collector != nil {
		go func() {
			defer close(metricsDone)
			if err := collector.Serve(ctx, cfg.Metrics.Address); err != nil {
				logger.Errorw("Metrics server stopped", logger.FieldError, err)
			}
		}()
	} else {
		close(metricsDone)
	}

	watcher := watchConfig(e)

	fmt.Printf("%s Pulse daemon started (%s)\n", sym.Pulse, version.Get())
	fmt.Printf("  Sources: %v\n", e.Coordinator().SourceTypes())
	fmt.Printf("  Scheduled jobs: %d\n", len(e.Scheduler().List()))
	fmt.Printf("  Max concurrent jobs: %d\n", cfg.Pulse.MaxConcurrentJobs)
	fmt.Printf("  Batch workers: %d\n", cfg.Batch.Workers)
	fmt.Printf("  Scheduler interval: %v\n", time.Duration(cfg.Pulse.TickerIntervalSeconds)*time.Second)
	if collector != nil {
		fmt.Printf("  Metrics: http://%s/metrics\n", cfg.Metrics.Address)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	<-ctx.Done()

	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.PulseClose)

	// Stop in reverse order of startup
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	<-metricsDone
	e.Stop()

	fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
	return nil
}

// watchConfig follows the highest-precedence config file that exists. A
// daemon without a config file runs on defaults and watches nothing.
func watchConfig(e *engine.Engine) *am.ConfigWatcher {
	var path string
	for _, c := range am.CandidatePaths() {
		if c.Exists {
			path = c.Path
		}
	}
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config changes will need a restart", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(e.ApplyConfig)
	watcher.Start()
	return watcher
}

func runPulseStats(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := e.Scheduler().Load(); err != nil {
		return err
	}
	stats, err := e.Scheduler().Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("%s Scheduler Statistics\n", sym.Pulse)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

	jobs := pterm.TableData{{"Job state", "Count"}}
	for _, st := range []schedule.State{schedule.StateActive, schedule.StatePaused, schedule.StateCompleted, schedule.StateFailed} {
		jobs = append(jobs, []string{string(st), fmt.Sprint(stats.Jobs[st])})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(jobs).Render(); err != nil {
		return err
	}
	fmt.Println()

	execs := pterm.TableData{{"Execution status", "Count"}}
	for _, st := range []schedule.ExecutionStatus{
		schedule.ExecutionRunning, schedule.ExecutionCompleted, schedule.ExecutionFailed,
		schedule.ExecutionCancelled, schedule.ExecutionSkipped,
	} {
		execs = append(execs, []string{string(st), fmt.Sprint(stats.Executions[st])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(execs).Render()
}
