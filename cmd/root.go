package cmd

import (
	"github.com/spf13/cobra"
	"meeting-ingest/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "meeting-ingest",
		Short:         "meeting recorder ingest service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(server(config), recoverCmd(config), migrate(config))
	return rootCmd
}
