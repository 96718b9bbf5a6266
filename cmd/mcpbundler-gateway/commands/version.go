package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the gateway's release version, reported by `version`. The
// Implementation.Version advertised to downstream clients comes from the
// config's server.version instead.
const Version = "0.1.0"

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}
