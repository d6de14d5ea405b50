package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/engine"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/pulse/schedule"
	"github.com/teranos/erpsync/source"
	"github.com/teranos/erpsync/sym"
)

// ScheduleCmd manages scheduled jobs
var ScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: sym.Pulse + " Manage scheduled jobs",
	Long: sym.Pulse + ` schedule — Manage the jobs the Pulse daemon runs

Jobs are stored under the data directory and picked up by 'erpsync pulse
start'. A running daemon sees jobs added here after its next restart.

Job types:
  full_extraction      extract every record of a source (config: filter, store)
  incremental_sync     sync changes since the last watermark (config: force_full)
  batch_processing     resumable batched extraction (config: filter, batch_size, priority)
  data_reconciliation  compare source and destination (config: checks, date_from, date_to, entity_ids, auto_correct)
  cleanup              expire history and checkpoints (config: retention_days)
  health_check         probe every source

A job argument is a job id, a unique id prefix, or a job name.

Examples:
  erpsync schedule add --name nightly-sync --type incremental_sync --source erp --cron "0 2 * * *"
  erpsync schedule add --name recon --type data_reconciliation --source erp --interval 6h --depends-on nightly-sync:success
  erpsync schedule ls
  erpsync schedule trigger nightly-sync
  erpsync schedule history nightly-sync --limit 5`,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule a new job",
	Args:  cobra.NoArgs,
	RunE:  runScheduleAdd,
}

var scheduleLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List scheduled jobs",
	Args:    cobra.NoArgs,
	RunE:    runScheduleLs,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <job>",
	Short: "Show a job definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <job>",
	Short: "Stop a job from firing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionJob(args[0], "paused", func(s *schedule.Scheduler, id string) error { return s.Pause(id) })
	},
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <job>",
	Short: "Let a paused job fire again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionJob(args[0], "resumed", func(s *schedule.Scheduler, id string) error { return s.Resume(id) })
	},
}

var scheduleRmCmd = &cobra.Command{
	Use:   "rm <job>",
	Short: "Disable a job permanently (history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transitionJob(args[0], "unscheduled", func(s *schedule.Scheduler, id string) error { return s.Unschedule(id) })
	},
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger <job>",
	Short: "Run a job once now, in this process",
	Long: `Run a job once now and wait for it to finish.

The job runs in this process with its retries and timeout; its schedule
does not move. Stop the Pulse daemon first, or the two processes would
both own the job store.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleTrigger,
}

var scheduleHistoryCmd = &cobra.Command{
	Use:   "history <job>",
	Short: "Show a job's executions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleHistory,
}

var (
	addName         string
	addType         string
	addSource       string
	addCron         string
	addInterval     time.Duration
	addAt           string
	addMaxRetries   int
	addAllowOverlap bool
	addTimeout      time.Duration
	addConfig       string
	addDependsOn    []string
	addPaused       bool

	historyLimit int
)

func init() {
	f := scheduleAddCmd.Flags()
	f.StringVar(&addName, "name", "", "Job name (required)")
	f.StringVar(&addType, "type", "", "Job type (required)")
	f.StringVar(&addSource, "source", "", "Source the job operates on")
	f.StringVar(&addCron, "cron", "", "Cron expression, e.g. \"0 2 * * *\" or @hourly")
	f.DurationVar(&addInterval, "interval", 0, "Fixed interval between runs, e.g. 15m")
	f.StringVar(&addAt, "at", "", "Run once at this time (YYYY-MM-DD or RFC 3339)")
	f.IntVar(&addMaxRetries, "max-retries", -1, "Retries per firing (default pulse.max_retries)")
	f.BoolVar(&addAllowOverlap, "allow-overlap", false, "Allow a firing while the previous one still runs")
	f.DurationVar(&addTimeout, "timeout", 0, "Per-attempt timeout, 0 for none")
	f.StringVar(&addConfig, "config", "", "Job config as JSON")
	f.StringArrayVar(&addDependsOn, "depends-on", nil, "Dependency as <job>[:success|completion], repeatable")
	f.BoolVar(&addPaused, "paused", false, "Create the job paused")
	_ = scheduleAddCmd.MarkFlagRequired("name")
	_ = scheduleAddCmd.MarkFlagRequired("type")
	scheduleAddCmd.MarkFlagsMutuallyExclusive("cron", "interval", "at")
	scheduleAddCmd.MarkFlagsOneRequired("cron", "interval", "at")

	scheduleHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of executions to show, 0 for all")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleLsCmd)
	ScheduleCmd.AddCommand(scheduleShowCmd)
	ScheduleCmd.AddCommand(schedulePauseCmd)
	ScheduleCmd.AddCommand(scheduleResumeCmd)
	ScheduleCmd.AddCommand(scheduleRmCmd)
	ScheduleCmd.AddCommand(scheduleTriggerCmd)
	ScheduleCmd.AddCommand(scheduleHistoryCmd)
}

// openScheduler builds an engine and loads the stored jobs into its
// scheduler without starting the tick loop.
func openScheduler() (*engine.Engine, func(), error) {
	e, closeEngine, err := openEngine()
	if err != nil {
		return nil, nil, err
	}
	if err := e.Scheduler().Load(); err != nil {
		closeEngine()
		return nil, nil, err
	}
	return e, closeEngine, nil
}

// resolveJob finds a job by id, unique id prefix or name.
func resolveJob(s *schedule.Scheduler, ref string) (*schedule.Job, error) {
	if j, err := s.Get(ref); err == nil {
		return j, nil
	}
	var matches []*schedule.Job
	for _, j := range s.List() {
		if j.Name == ref || strings.HasPrefix(j.ID, ref) {
			matches = append(matches, j)
		}
	}
	switch len(matches) {
	case 0:
		return nil, errors.NewNotFoundError("scheduled job %s", ref)
	case 1:
		return matches[0], nil
	}
	ids := make([]string, len(matches))
	for i, j := range matches {
		ids[i] = j.ID
	}
	return nil, errors.NewInvalidRequestError("%q matches %d jobs: %s", ref, len(matches), strings.Join(ids, ", "))
}

func parseSpec() (schedule.Spec, error) {
	switch {
	case addCron != "":
		return schedule.Spec{Kind: schedule.KindCron, Cron: addCron}, nil
	case addInterval > 0:
		if addInterval%time.Second != 0 {
			return schedule.Spec{}, errors.NewInvalidRequestError("--interval %s is not a whole number of seconds", addInterval)
		}
		return schedule.Spec{Kind: schedule.KindInterval, IntervalSeconds: int(addInterval / time.Second)}, nil
	case addAt != "":
		at, err := parseDate("at", addAt)
		if err != nil {
			return schedule.Spec{}, err
		}
		return schedule.Spec{Kind: schedule.KindOnce, At: at}, nil
	}
	return schedule.Spec{}, errors.NewInvalidRequestError("one of --cron, --interval or --at is required")
}

func parseDependencies(s *schedule.Scheduler) ([]schedule.Dependency, error) {
	deps := make([]schedule.Dependency, 0, len(addDependsOn))
	for _, raw := range addDependsOn {
		ref, cond := raw, schedule.ConditionSuccess
		if i := strings.LastIndex(raw, ":"); i > 0 {
			ref, cond = raw[:i], schedule.Condition(raw[i+1:])
		}
		if cond != schedule.ConditionSuccess && cond != schedule.ConditionCompletion {
			return nil, errors.NewInvalidRequestError("--depends-on %q: condition must be success or completion", raw)
		}
		dep, err := resolveJob(s, ref)
		if err != nil {
			return nil, err
		}
		deps = append(deps, schedule.Dependency{JobID: dep.ID, Condition: cond})
	}
	return deps, nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	spec, err := parseSpec()
	if err != nil {
		return err
	}
	if addTimeout%time.Second != 0 {
		return errors.NewInvalidRequestError("--timeout %s is not a whole number of seconds", addTimeout)
	}
	var config json.RawMessage
	if addConfig != "" {
		if !json.Valid([]byte(addConfig)) {
			return errors.NewInvalidRequestError("--config is not valid JSON")
		}
		config = json.RawMessage(addConfig)
	}

	e, closeEngine, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeEngine()

	deps, err := parseDependencies(e.Scheduler())
	if err != nil {
		return err
	}

	maxRetries := addMaxRetries
	if maxRetries < 0 {
		maxRetries = e.Config().Pulse.MaxRetries
	}
	state := schedule.StateActive
	if addPaused {
		state = schedule.StatePaused
	}

	job, err := e.Schedule(cmd.Context(), &schedule.Job{
		Name:           addName,
		Type:           schedule.JobType(addType),
		SourceType:     source.Type(addSource),
		Schedule:       spec,
		State:          state,
		Dependencies:   deps,
		MaxRetries:     maxRetries,
		AllowOverlap:   addAllowOverlap,
		TimeoutSeconds: int(addTimeout / time.Second),
		Config:         config,
	})
	if err != nil {
		return err
	}

	pterm.Success.Printf("Scheduled %s (%s)\n", job.Name, job.ID)
	pterm.Info.Printf("Next execution: %s\n", formatTime(job.NextExecution))
	return nil
}

func describeSpec(s schedule.Spec) string {
	switch s.Kind {
	case schedule.KindCron:
		return "cron " + s.Cron
	case schedule.KindInterval:
		return "every " + (time.Duration(s.IntervalSeconds) * time.Second).String()
	case schedule.KindOnce:
		return "once at " + formatTime(s.At)
	}
	return string(s.Kind)
}

func runScheduleLs(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeEngine()

	jobs := e.Scheduler().List()
	if len(jobs) == 0 {
		pterm.Info.Println("No scheduled jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "Name", "Type", "Source", "Schedule", "State", "Next", "Last", "Runs"}}
	for _, j := range jobs {
		last := string(j.LastStatus)
		if last == "" {
			last = "-"
		}
		src := string(j.SourceType)
		if src == "" {
			src = "-"
		}
		data = append(data, []string{
			shortID(j.ID), j.Name, string(j.Type), src, describeSpec(j.Schedule), string(j.State),
			formatTime(j.NextExecution), last,
			fmt.Sprintf("%d (%d ok, %d failed)", j.ExecutionCount, j.SuccessCount, j.FailureCount),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeEngine()

	j, err := resolveJob(e.Scheduler(), args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	fmt.Println(string(data))
	return nil
}

func transitionJob(ref, verb string, fn func(s *schedule.Scheduler, id string) error) error {
	e, closeEngine, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeEngine()

	j, err := resolveJob(e.Scheduler(), ref)
	if err != nil {
		return err
	}
	if err := fn(e.Scheduler(), j.ID); err != nil {
		return err
	}
	pterm.Success.Printf("Job %s %s\n", j.Name, verb)
	return nil
}

func runScheduleTrigger(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, closeEngine, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeEngine()

	j, err := resolveJob(e.Scheduler(), args[0])
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Running %s (%s)...", j.Name, j.Type))
	exec, err := e.RunJob(ctx, j.ID)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}

	msg := fmt.Sprintf("%s %s in %s: %s", j.Name, exec.Status, exec.Duration().Round(time.Millisecond), exec.Result)
	if exec.Status != schedule.ExecutionCompleted {
		spinner.Fail(msg)
		if exec.Error != "" {
			return errors.Newf("execution %s %s after %d retries: %s", exec.ID, exec.Status, exec.RetryCount, exec.Error)
		}
		return errors.Newf("execution %s %s", exec.ID, exec.Status)
	}
	spinner.Success(msg)
	return nil
}

func runScheduleHistory(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeEngine()

	j, err := resolveJob(e.Scheduler(), args[0])
	if err != nil {
		return err
	}
	execs, err := e.Scheduler().Executions(cmd.Context(), j.ID, historyLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		pterm.Info.Printf("%s has not run yet\n", j.Name)
		return nil
	}

	data := pterm.TableData{{"Execution", "Status", "Scheduled", "Started", "Duration", "Retries", "Result / Error"}}
	for _, x := range execs {
		detail := x.Result
		if x.Error != "" {
			detail = x.Error
		}
		data = append(data, []string{
			shortID(x.ID), string(x.Status), formatTime(&x.ScheduledAt), formatTime(x.StartedAt),
			x.Duration().Round(time.Millisecond).String(), fmt.Sprint(x.RetryCount), detail,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
