// Package cli implements govctl, the operator command line.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/governance-plane/internal/bootstrap"
	"github.com/codex-k8s/governance-plane/internal/config"
	"github.com/codex-k8s/governance-plane/internal/store"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format   string
	Config   string
	DBDriver string
	DBDSN    string
	LogLevel string

	env config.Config
}

// NewRootCommand creates the govctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "govctl",
		Short:         "Operate the governance plane store",
		Long:          "govctl migrates, inspects and sweeps the governance plane database and validates configuration files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains([]string{FormatText, FormatJSON}, opts.Format) {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			env, err := config.Load()
			if err != nil {
				return fmt.Errorf("environment: %w", err)
			}
			if opts.Config != "" {
				env.ConfigPath = opts.Config
			}
			if opts.DBDriver != "" {
				env.DBDriver = opts.DBDriver
			}
			if opts.DBDSN != "" {
				env.DBDSN = opts.DBDSN
			}
			if opts.LogLevel != "" {
				env.LogLevel = opts.LogLevel
			}
			opts.env = env
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "YAML config path (default $GOVERNANCE_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.DBDriver, "db-driver", "", "database driver, pgx or sqlite3 (default $GOVERNANCE_DB_DRIVER)")
	cmd.PersistentFlags().StringVar(&opts.DBDSN, "db-dsn", "", "database DSN (default $GOVERNANCE_DB_DSN)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level for sweep (default $GOVERNANCE_LOG_LEVEL)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newApprovalsCommand(opts))
	cmd.AddCommand(newChainCommand(opts))
	cmd.AddCommand(newAuditCommand(opts))

	return cmd
}

// withStore opens and migrates the database for the duration of fn.
func (o *RootOptions) withStore(ctx context.Context, fn func(db *store.DB) error) error {
	db, err := bootstrap.OpenStore(ctx, o.env)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
