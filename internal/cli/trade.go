package cli

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newTradeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Inspect and maintain trades",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, http.MethodGet, "/v1/trades/"+url.PathEscape(args[0]), false, nil)
		},
	}

	var actor string
	history := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a trade's state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/trades/" + url.PathEscape(args[0]) + "/history"
			if actor != "" {
				path += "?actor=" + url.QueryEscape(actor)
			}
			return opts.run(cmd, http.MethodGet, path, false, nil)
		},
	}
	history.Flags().StringVar(&actor, "actor", "", "only entries by this address")

	var eventLimit int
	var eventCursor string
	events := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a trade's event log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/trades/" + url.PathEscape(args[0]) + "/events?" + pageQuery(eventLimit, eventCursor)
			return opts.run(cmd, http.MethodGet, path, false, nil)
		},
	}
	events.Flags().IntVar(&eventLimit, "limit", 100, "maximum events to list")
	events.Flags().StringVar(&eventCursor, "cursor", "", "nextCursor of the previous page")

	var limit int
	var cursor string
	list := &cobra.Command{
		Use:   "list <address>",
		Short: "List a trader's trades, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/traders/" + url.PathEscape(args[0]) + "/trades?" + pageQuery(limit, cursor)
			return opts.run(cmd, http.MethodGet, path, false, nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum trades to list")
	list.Flags().StringVar(&cursor, "cursor", "", "nextCursor of the previous page")

	purge := &cobra.Command{
		Use:   "purge <id>",
		Short: "Delete a closed trade past its grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, http.MethodPost, "/v1/admin/trades/"+url.PathEscape(args[0])+"/purge", true, nil)
		},
	}

	cmd.AddCommand(get, history, events, list, purge)
	return cmd
}

func pageQuery(limit int, cursor string) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q.Encode()
}
