package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/invoice"
	"github.com/teranos/erpsync/sym"
)

// SourceCmd lists and probes source systems
var SourceCmd = &cobra.Command{
	Use:   "source",
	Short: sym.IX + " List and probe source systems",
	Long: sym.IX + ` source — Source systems

Sources are declared under [sources.<name>] in am.toml:

  [sources.erp]
  type = "jsonfile"              # jsonfile or memory
  path = "/var/lib/erp/export"   # export directory for jsonfile
  requests_per_second = 5        # optional throttle

Examples:
  erpsync source ls               # Configured sources and record counts
  erpsync source test             # Probe connectivity and credentials
  erpsync source test --json      # Health report as JSON`,
}

var sourceLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List configured sources",
	Args:    cobra.NoArgs,
	RunE:    runSourceLs,
}

var sourceTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Probe every source and the host",
	Args:  cobra.NoArgs,
	RunE:  runSourceTest,
}

var sourceTestJSON bool

func init() {
	sourceTestCmd.Flags().BoolVar(&sourceTestJSON, "json", false, "Print the health report as JSON")

	SourceCmd.AddCommand(sourceLsCmd)
	SourceCmd.AddCommand(sourceTestCmd)
}

func runSourceLs(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	names := make([]string, 0, len(e.Config().Sources))
	for name := range e.Config().Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		pterm.Info.Println("No sources configured; add [sources.<name>] to am.toml")
		return nil
	}

	data := pterm.TableData{{"Source", "Type", "Location", "Throttle", "Records"}}
	for _, name := range names {
		sc := e.Config().Sources[name]
		location := sc.Path
		if location == "" {
			location = "-"
		}
		throttle := "-"
		if sc.RequestsPerSecond > 0 {
			throttle = fmt.Sprintf("%g/s", sc.RequestsPerSecond)
		}
		count := "?"
		st, err := sourceArg(e, name)
		if err == nil {
			if n, err := e.Coordinator().Count(cmd.Context(), st, invoice.Filter{IncludeDraft: true, IncludeCancelled: true}); err == nil {
				count = fmt.Sprint(n)
			}
		}
		data = append(data, []string{name, sc.Type, location, throttle, count})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runSourceTest(cmd *cobra.Command, args []string) error {
	e, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	rep := e.Health(cmd.Context())

	if sourceTestJSON {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal health report")
		}
		fmt.Println(string(data))
	} else {
		data := pterm.TableData{{"Source", "Healthy", "Credentials", "Latency", "Error"}}
		for _, s := range rep.Sources {
			creds := "-"
			if s.Credentials != nil {
				creds = fmt.Sprint(*s.Credentials)
			}
			msg := s.Error
			if s.ErrorKind != "" {
				msg = fmt.Sprintf("%s (%s)", s.Error, s.ErrorKind)
			}
			data = append(data, []string{
				string(s.SourceType), fmt.Sprint(s.Healthy), creds, fmt.Sprintf("%dms", s.LatencyMS), msg,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Println()
		for _, w := range rep.Warnings {
			pterm.Warning.Println(w)
		}
		if rep.Healthy() {
			pterm.Success.Println(rep.Summary())
		}
	}

	if !rep.Healthy() {
		return errors.Newf("unhealthy sources: %v", rep.Unhealthy())
	}
	return nil
}
