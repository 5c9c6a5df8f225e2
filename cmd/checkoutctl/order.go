package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/storefront-checkout/internal/identity"
)

const adminTokenTTL = 5 * time.Minute

var orderActions = []string{"cancel", "refund", "ship", "deliver"}

func orderCmd(opts *options) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders and apply admin transitions",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", "checkoutctl", "admin user id recorded as the transition actor")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <order-id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, opts, actor, http.MethodGet, "/admin/orders/"+url.PathEscape(args[0]))
		},
	})
	for _, action := range orderActions {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <order-id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " an order",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, opts, actor, http.MethodPost, "/admin/orders/"+url.PathEscape(args[0])+"/"+action)
			},
		})
	}
	return cmd
}

func adminCall(cmd *cobra.Command, opts *options, actor, method, path string) error {
	issuer, err := newIssuer(opts, adminTokenTTL)
	if err != nil {
		return err
	}
	token, err := issuer.Issue(actor, identity.RoleAdmin)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(opts.apiURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(body)
	}
	fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	return nil
}
