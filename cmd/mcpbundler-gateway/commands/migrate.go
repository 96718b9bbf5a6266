package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jrbemt/mcpbundler-gateway/pkg/store"
)

func migrateCommand() *cobra.Command {
	var dbFile string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the bundle store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []store.Option
			if dbFile != "" {
				opts = append(opts, store.WithDatabaseFile(dbFile))
			}
			// store.New already runs every pending migration on open.
			s, err := store.New(opts...)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbFile, "database-file", "", "path to the sqlite database file (defaults to the platform data directory)")
	return cmd
}
