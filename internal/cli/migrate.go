package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koustreak/querygate/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply control-plane migrations and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd)

			st, err := store.Open(cmd.Context(), cfg.DatabaseURL, newLogger(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			v, err := st.Version(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.DatabaseURL, v)
			return err
		},
	}
}
