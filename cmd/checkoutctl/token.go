package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/storefront-checkout/internal/identity"
)

func tokenCmd(opts *options) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed identity token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			issuer, err := newIssuer(opts, ttl)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id carried in the token subject")
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func newIssuer(opts *options, ttl time.Duration) (*identity.Issuer, error) {
	if opts.jwtSecret == "" {
		return nil, errors.New("--jwt-secret or JWT_SECRET is required")
	}
	return identity.NewIssuer(opts.jwtSecret, ttl), nil
}
