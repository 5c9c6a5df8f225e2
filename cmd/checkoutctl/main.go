// Command checkoutctl administers a checkout deployment: schema migrations,
// order transitions, identity tokens, stock lookups and webhook audit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

type options struct {
	pgURL     string
	jwtSecret string
	apiURL    string
	grpcAddr  string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Operate the checkout service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.pgURL, "pg-url", os.Getenv("PG_URL"), "postgres connection string")
	flags.StringVar(&opts.jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "secret used to sign identity tokens")
	flags.StringVar(&opts.apiURL, "api", envOr("CHECKOUT_API", "http://localhost:8080"), "checkout HTTP API base url")
	flags.StringVar(&opts.grpcAddr, "grpc-addr", envOr("CHECKOUT_GRPC", "localhost:9090"), "stock RPC address")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		migrateCmd(opts),
		orderCmd(opts),
		tokenCmd(opts),
		stockCmd(opts),
		webhooksCmd(opts),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
