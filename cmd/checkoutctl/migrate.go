package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dmehra2102/storefront-checkout/internal/platform/postgres"
	"github.com/dmehra2102/storefront-checkout/pkg/logging"
)

func migrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				pool, err := openPool(cmd, opts)
				if err != nil {
					return err
				}
				defer pool.Close()
				return postgres.Migrate(cmd.Context(), pool, logging.New(opts.logLevel))
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				pool, err := openPool(cmd, opts)
				if err != nil {
					return err
				}
				defer pool.Close()

				states, err := postgres.MigrationStatus(cmd.Context(), pool)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED")
				for _, s := range states {
					fmt.Fprintf(tw, "%d\t%s\t%t\n", s.Version, s.File, s.Applied)
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

func openPool(cmd *cobra.Command, opts *options) (*pgxpool.Pool, error) {
	if opts.pgURL == "" {
		return nil, errors.New("--pg-url or PG_URL is required")
	}
	return postgres.Open(cmd.Context(), opts.pgURL)
}
