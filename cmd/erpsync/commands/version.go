package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/version"
)

// VersionCmd prints build information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show erpsync version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if versionJSON {
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to marshal version")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), info)
		fmt.Fprintf(cmd.OutOrStdout(), "%s, %s\n", info.Go, info.Platform)
		return nil
	},
}

var versionJSON bool

func init() {
	VersionCmd.Flags().BoolVarP(&versionJSON, "json", "j", false, "Output version info as JSON")
}
