// Package cli implements tradectl, the operator command line for the trade
// escrow service. Every command talks to the service's HTTP API.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	apiURL      string
	adminSecret string
	timeout     time.Duration
}

// NewRootCommand builds the tradectl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "tradectl",
		Short:         "Operate a trade escrow service",
		Long:          `tradectl manages the arbitrator pools, inspects trades and flips the pause switches of a running trade escrow service. migrate applies the database schema.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.apiURL, "api", envOr("TRADECTL_API", "http://localhost:8080"), "service base URL")
	root.PersistentFlags().StringVar(&opts.adminSecret, "admin-secret", os.Getenv("ADMIN_SECRET"), "admin secret for operator routes")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newArbitratorCommand(opts),
		newTradeCommand(opts),
		newPauseCommand(opts),
		newParamsCommand(opts),
		newDepositCommand(opts),
		newMigrateCommand(),
	)
	return root
}

// Execute runs tradectl. This is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
