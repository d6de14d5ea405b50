package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/reconcile"
	"github.com/teranos/erpsync/sym"
)

// ReconcileCmd compares source and destination
var ReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: sym.Reconcile + " Check source and destination agree",
	Long: sym.Reconcile + ` reconcile — Source/destination consistency checks

A reconciliation snapshots a source and the destination store over the
same window, runs the selected checks and reports every discrepancy.
With auto-correct, correctable field discrepancies are written back to
the destination and recorded in its correction log.

Checks:
  ` + checkNames() + `

Examples:
  erpsync reconcile run erp                                   # All checks
  erpsync reconcile run erp --checks amount_totals,record_count
  erpsync reconcile run erp --from 2026-01-01 --to 2026-03-31 --auto-correct
  erpsync reconcile ls                                        # Stored reports
  erpsync reconcile show <report-id>`,
}

var reconcileRunCmd = &cobra.Command{
	Use:   "run <source>",
	Short: "Reconcile a source against the destination",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcileRun,
}

var reconcileLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List stored reconciliation reports",
	Args:    cobra.NoArgs,
	RunE:    runReconcileLs,
}

var reconcileShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a stored reconciliation report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcileShow,
}

var (
	reconcileChecks      []string
	reconcileFrom        string
	reconcileTo          string
	reconcileEntities    []string
	reconcileAutoCorrect bool
	reconcileJSON        bool
)

func init() {
	f := reconcileRunCmd.Flags()
	f.StringSliceVar(&reconcileChecks, "checks", nil, "Checks to run, comma separated (default all)")
	f.StringVar(&reconcileFrom, "from", "", "Window start (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&reconcileTo, "to", "", "Window end (YYYY-MM-DD or RFC 3339)")
	f.StringSliceVar(&reconcileEntities, "entity", nil, "Restrict to these entity ids")
	f.BoolVar(&reconcileAutoCorrect, "auto-correct", false, "Apply correctable fixes (default reconcile.auto_correct)")

	reconcileShowCmd.Flags().BoolVar(&reconcileJSON, "json", false, "Print the full report as JSON")

	ReconcileCmd.AddCommand(reconcileRunCmd)
	ReconcileCmd.AddCommand(reconcileLsCmd)
	ReconcileCmd.AddCommand(reconcileShowCmd)
}

func checkNames() string {
	names := make([]string, len(reconcile.AllChecks))
	for i, c := range reconcile.AllChecks {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func runReconcileRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	checks := make([]reconcile.CheckType, 0, len(reconcileChecks))
	for _, c := range reconcileChecks {
		check := reconcile.CheckType(strings.TrimSpace(c))
		if !check.Valid() {
			return errors.NewInvalidRequestError("unknown check %q (known: %s)", c, checkNames())
		}
		checks = append(checks, check)
	}
	from, to, err := dateRange(reconcileFrom, reconcileTo)
	if err != nil {
		return err
	}

	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	st, err := sourceArg(e, args[0])
	if err != nil {
		return err
	}

	req := reconcile.Request{
		SourceType: st,
		Checks:     checks,
		DateFrom:   from,
		DateTo:     to,
		EntityIDs:  reconcileEntities,
	}
	if cmd.Flags().Changed("auto-correct") {
		req.AutoCorrect = &reconcileAutoCorrect
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Reconciling %s...", st))
	res, err := e.Reconciler().Run(ctx, req)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("Reconciliation %s %s: %d records checked", res.ID, res.Status, res.RecordsChecked))

	if err := printReconcileResult(res); err != nil {
		return err
	}
	if res.Status != reconcile.StatusCompleted {
		return errors.Newf("reconciliation %s ended %s", res.ID, res.Status)
	}
	return nil
}

func printReconcileResult(res *reconcile.Result) error {
	if res.Summary.Total == 0 {
		pterm.Success.Println("No discrepancies")
	} else {
		data := pterm.TableData{{"Check", "Discrepancies"}}
		for _, c := range res.Checks {
			data = append(data, []string{string(c), fmt.Sprint(res.Summary.ByCheck[c])})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Println()

		sev := make([]string, 0, 4)
		for _, s := range []reconcile.Severity{
			reconcile.SeverityCritical, reconcile.SeverityError, reconcile.SeverityWarning, reconcile.SeverityInfo,
		} {
			if n := res.Summary.BySeverity[s]; n > 0 {
				sev = append(sev, fmt.Sprintf("%d %s", n, s))
			}
		}
		pterm.Warning.Printf("%d discrepancies: %s\n", res.Summary.Total, strings.Join(sev, ", "))
	}

	if res.CorrectionsApplied > 0 {
		pterm.Info.Printf("%d corrections applied\n", res.CorrectionsApplied)
	}
	for _, msg := range res.Errors {
		pterm.Error.Println(msg)
	}
	if res.ReportPath != "" {
		pterm.Info.Printf("Report: %s\n", res.ReportPath)
	}
	return nil
}

func runReconcileLs(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	ids, err := e.Reports().List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		pterm.Info.Println("No reconciliation reports")
		return nil
	}

	var reports []*reconcile.Result
	for _, id := range ids {
		res, err := reconcile.LoadReport(e.Reports(), id)
		if err != nil {
			pterm.Warning.Printf("Skipping unreadable report %s: %v\n", id, err)
			continue
		}
		reports = append(reports, res)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StartedAt.After(reports[j].StartedAt) })

	data := pterm.TableData{{"Report", "Source", "Status", "Started", "Checked", "Discrepancies", "Corrected"}}
	for _, r := range reports {
		data = append(data, []string{
			r.ID, string(r.SourceType), string(r.Status), formatTime(&r.StartedAt),
			fmt.Sprint(r.RecordsChecked), fmt.Sprint(r.Summary.Total), fmt.Sprint(r.CorrectionsApplied),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runReconcileShow(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	res, err := reconcile.LoadReport(e.Reports(), args[0])
	if err != nil {
		return err
	}

	if reconcileJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal report")
		}
		fmt.Println(string(data))
		return nil
	}

	pterm.Info.Printf("Reconciliation %s of %s: %s, %d records checked\n",
		res.ID, res.SourceType, res.Status, res.RecordsChecked)
	if len(res.Discrepancies) > 0 {
		data := pterm.TableData{{"Check", "Severity", "Entity", "Field", "Expected", "Actual", "Corrected", "Description"}}
		for _, d := range res.Discrepancies {
			data = append(data, []string{
				string(d.Check), string(d.Severity), d.EntityType + " " + d.EntityID, d.Field,
				d.Expected, d.Actual, fmt.Sprint(d.Corrected), d.Description,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Println()
	}
	return printReconcileResult(res)
}
