package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	paymentpg "github.com/dmehra2102/storefront-checkout/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/storefront-checkout/pkg/logging"
)

func webhooksCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect the webhook delivery audit log",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pool, err := openPool(cmd, opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			deliveries, err := paymentpg.NewDeliveryRepository(logging.New(opts.logLevel), pool).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRECEIVED\tOUTCOME\tTRANSACTION\tORDER\tDETAIL")
			for _, d := range deliveries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.ReceivedAt.Format(time.RFC3339), d.Outcome, d.TransactionID, d.MerchantOrderID, d.Detail)
			}
			return tw.Flush()
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "number of deliveries to show")
	cmd.AddCommand(recent)
	return cmd
}
