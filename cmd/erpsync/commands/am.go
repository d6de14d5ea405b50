package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/erpsync/am"
	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage erpsync configuration",
	Long: sym.AM + ` am — Manage erpsync configuration ("I am")

Display and check erpsync configuration settings.

Configuration sources (in order of precedence):
1. Environment variables (ERPSYNC_* prefix, also read from ./.env)
2. Project config (am.toml, searched upward from the working directory)
3. User config (~/.erpsync/am.toml)
4. System config (/etc/erpsync/am.toml)
5. Default values

Examples:
  erpsync am show                    # Show current configuration
  erpsync am show --format json      # Show configuration in JSON format
  erpsync am get pulse.max_retries   # Get specific config value
  erpsync am validate                # Validate current configuration
  erpsync am where                   # Show which file set each value
  erpsync am where --json            # Same, machine-readable`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective erpsync configuration merged from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, batch.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current erpsync configuration is usable",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which files were checked.

Lists all configuration sources in order of precedence, showing
which files exist and which setting each one supplies.`,
	RunE: runAmWhere,
}

var (
	configFormat string
	whereJSON    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amWhereCmd.Flags().BoolVar(&whereJSON, "json", false, "Print the cascade and settings as JSON")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// runAmShow prints the merged settings under their config-file keys, so the
// output can be saved as an am.toml.
func runAmShow(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	settings := am.GetViper().AllSettings()

	var (
		out []byte
		err error
	)
	switch configFormat {
	case "toml":
		out, err = toml.Marshal(settings)
	case "yaml":
		out, err = yaml.Marshal(settings)
	case "json":
		out, err = json.MarshalIndent(settings, "", "  ")
		out = append(out, '\n')
	default:
		return errors.NewInvalidRequestError("unsupported format %q (supported: toml, json, yaml)", configFormat)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to render config as %s", configFormat)
	}
	if configFormat != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "# erpsync configuration")
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	key := strings.ToLower(args[0])
	if !am.GetViper().IsSet(key) {
		return errors.NewNotFoundError("configuration key %q", key)
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithHint(errors.Wrap(err, "configuration is invalid"), "see 'erpsync am where' for the file that sets it")
	}
	pterm.Success.Printf("Configuration is valid (%d sources)\n", len(cfg.Sources))
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro := am.GetConfigIntrospection()
	if whereJSON {
		out, err := json.MarshalIndent(intro, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal introspection")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	pterm.DefaultSection.Println("Cascade (later overrides earlier)")
	cascade := pterm.TableData{{"#", "Source", "Location", "Status"}}
	cascade = append(cascade, []string{"1", string(am.SourceDefault), "built-in", "-"})
	for i, c := range intro.Candidates {
		status := "missing"
		if c.Exists {
			status = "found"
		}
		cascade = append(cascade, []string{fmt.Sprint(i + 2), string(c.Source), c.Path, status})
	}
	cascade = append(cascade, []string{
		fmt.Sprint(len(intro.Candidates) + 2), string(am.SourceEnvironment), am.EnvPrefix + "_*", "-",
	})
	if err := pterm.DefaultTable.WithHasHeader().WithData(cascade).Render(); err != nil {
		return err
	}

	counts := intro.CountBySource()
	for _, src := range am.SourceOrder {
		if counts[src] == 0 {
			continue
		}
		pterm.DefaultSection.Printf("%s (%d settings)\n", src, counts[src])
		data := pterm.TableData{{"Key", "Value", "From"}}
		for _, st := range intro.Settings {
			if st.Source != src {
				continue
			}
			value := fmt.Sprint(st.Value)
			if len(value) > 50 {
				value = value[:47] + "..."
			}
			from := st.SourcePath
			if from == "" {
				from = "-"
			}
			data = append(data, []string{st.Key, value, from})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
	}
	return nil
}
