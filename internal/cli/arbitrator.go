package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/validation"
)

func newArbitratorCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "arbitrator",
		Aliases: []string{"arb"},
		Short:   "Manage arbitrator pools",
	}

	var req arbitration.RegisterRequest
	register := &cobra.Command{
		Use:   "register <currency> <address>",
		Short: "Add or refresh an arbitrator in a currency pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validation.IsValidEthAddress(args[1]) {
				return errInvalidAddress(args[1])
			}
			req.Currency = strings.ToUpper(args[0])
			req.Address = args[1]
			return opts.run(cmd, http.MethodPost, "/v1/admin/arbitrators", true, req)
		},
	}
	register.Flags().Uint32Var(&req.Reputation, "reputation", 0, "reputation score")
	register.Flags().Uint32Var(&req.MaxCases, "max-cases", 5, "concurrent case capacity")

	deactivate := &cobra.Command{
		Use:   "deactivate <currency> <address>",
		Short: "Remove an arbitrator from selection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/admin/arbitrators/" + url.PathEscape(strings.ToUpper(args[0])) + "/" + url.PathEscape(args[1]) + "/deactivate"
			return opts.run(cmd, http.MethodPost, path, true, nil)
		},
	}

	list := &cobra.Command{
		Use:   "list <currency>",
		Short: "List a currency pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, http.MethodGet, "/v1/arbitrators/"+url.PathEscape(strings.ToUpper(args[0])), false, nil)
		},
	}

	cmd.AddCommand(register, deactivate, list)
	return cmd
}

func errInvalidAddress(addr string) error {
	return fmt.Errorf("invalid address %q", addr)
}
