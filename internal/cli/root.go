// Package cli provides the querygate command line.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/koustreak/querygate/internal/config"
	"github.com/koustreak/querygate/internal/logger"
)

// Version is set at build time.
var Version = "dev"

type configKey struct{}

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "querygate",
		Short: "Read-only SQL gateway for PostgreSQL, MySQL and SQLite",
		Long: `querygate accepts raw SQL or natural-language questions, validates them
against a read-only policy, caps the number of returned rows and runs them
against registered databases.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("database-url", "", "control-plane SQLite file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json|console)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newCheckCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	cfg, _ := config.Load("", nil)
	return cfg
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(&logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		TimeFormat: "rfc3339",
		Output:     os.Stdout,
	})
}
