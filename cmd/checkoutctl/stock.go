package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	inventorygrpc "github.com/dmehra2102/storefront-checkout/internal/inventory/infrastructure/grpc"
)

func stockCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stock <variant-id>...",
		Short: "Show current stock levels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := inventorygrpc.Dial(opts.grpcAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := inventorygrpc.NewStockClient(conn).StockLevels(cmd.Context(), args)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VARIANT\tSTOCK")
			for _, l := range resp.Levels {
				fmt.Fprintf(tw, "%s\t%d\n", l.VariantID, l.Stock)
			}
			for _, id := range resp.Unknown {
				fmt.Fprintf(tw, "%s\tunknown\n", id)
			}
			return tw.Flush()
		},
	}
}
