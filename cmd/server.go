package cmd

import (
	"github.com/spf13/cobra"
	"meeting-ingest/config"
	server2 "meeting-ingest/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunHttp(config)
		},
	}
}

func recoverCmd(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "import orphaned blobs and requeue stuck meetings, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunRecover(config)
		},
	}
}

func migrate(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunMigrate(config)
		},
	}
}
