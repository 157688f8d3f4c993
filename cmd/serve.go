package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-photo-ingest/internal/api"
	"github.com/JakeFAU/listing-photo-ingest/internal/server"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves health, metrics and read-only status endpoints",
		Long: `Starts the status API on server.port. It reads the same state directory
as extract, so it reflects the latest checkpoint of a concurrent run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger().Named("api")
			handler := api.NewServer(appInstance.Orchestrator(), appInstance, logger).Handler()
			return server.New(appInstance.Config().Server, handler, logger).Run(cmd.Context())
		},
	}
}
