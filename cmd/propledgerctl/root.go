package main

import (
	"github.com/spf13/cobra"

	"github.com/propledger/propledger/internal/app"
	"github.com/propledger/propledger/internal/platform/db"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "propledgerctl",
		Short:         "Operational helpers for propledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSchemaCmd(), newSeedCmd(), newJobsCmd())
	return root
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the reference PostgreSQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(db.Schema))
			return err
		},
	}
}

// loadConfig reads the same environment as the server.
func loadConfig() (*app.Config, error) {
	return app.LoadConfig()
}
