// Package commands wires the mcpbundler-gateway CLI, following the
// teacher's cobra layout (cmd/docker-mcp/commands): one *cobra.Command
// constructor per verb, assembled under a root command in main.
package commands

import (
	"github.com/spf13/cobra"
)

// Root builds the top-level mcpbundler-gateway command.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpbundler-gateway",
		Short:         "Multiplexing gateway for bundles of MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCommand())
	root.AddCommand(migrateCommand())
	root.AddCommand(versionCommand())
	return root
}
