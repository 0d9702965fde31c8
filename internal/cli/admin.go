package cli

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

func newPauseCommand(opts *options) *cobra.Command {
	var ops []string
	var resume bool
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause trading, or only some operations",
		Long: `Without --ops the whole protocol is paused. With --ops only the named
operations stop (create_trade, accept_request, fund_escrow, initiate_dispute).
Release, refund and settlement are never paused. --resume clears every switch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{"paused": false}
			if !resume {
				if len(ops) == 0 {
					body["paused"] = true
				} else {
					set := make(map[string]bool, len(ops))
					for _, op := range ops {
						set[op] = true
					}
					body["ops"] = set
				}
			}
			return opts.run(cmd, http.MethodPost, "/v1/admin/pause", true, body)
		},
	}
	cmd.Flags().StringSliceVar(&ops, "ops", nil, "operations to pause")
	cmd.Flags().BoolVar(&resume, "resume", false, "clear all pause switches")
	return cmd
}

func newParamsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "Show the protocol configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, http.MethodGet, "/v1/admin/params", true, nil)
		},
	}
}

func newDepositCommand(opts *options) *cobra.Command {
	var asset, reference string
	cmd := &cobra.Command{
		Use:   "deposit <account> <amount>",
		Short: "Credit an external deposit to a ledger account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil || amount == 0 {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			if reference == "" {
				return fmt.Errorf("--reference is required")
			}
			return opts.run(cmd, http.MethodPost, "/v1/admin/deposits", true, map[string]string{
				"account":   args[0],
				"asset":     asset,
				"amount":    strconv.FormatUint(amount, 10),
				"reference": reference,
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "USDC", "asset code")
	cmd.Flags().StringVar(&reference, "reference", "", "idempotency reference of the deposit")
	return cmd
}
