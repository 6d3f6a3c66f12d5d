package cli

import (
	"github.com/spf13/cobra"

	"github.com/koustreak/querygate/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)
			log := newLogger(cfg)

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Error(err).Msg("shutdown cleanup failed")
				}
			}()

			if err := a.Seed(cmd.Context()); err != nil {
				return err
			}
			return a.Serve(cmd.Context())
		},
	}

	cmd.Flags().String("listen-addr", "", "HTTP listen address (default :8000)")
	cmd.Flags().String("api-prefix", "", "path prefix for every route")
	cmd.Flags().String("connections-file", "", "YAML file of connections to upsert at start-up")
	cmd.Flags().Bool("nl-auto-execute", false, "run generated SQL by default")
	cmd.Flags().Bool("pool-adapters", true, "keep one open adapter per connection")
	return cmd
}
