package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

type logPage struct {
	Entries []delivery.Entry `json:"entries"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

var logsCmd = &cobra.Command{
	Use:     "logs",
	Aliases: []string{"log"},
	Short:   "Browse the delivery log and retry deliveries",
}

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery log entries, newest first",
	Long: `List delivery log entries.

Example:
  relayctl logs list --status failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			if _, ok := delivery.ParseStatus(s); !ok {
				return fmt.Errorf("unknown status %q", s)
			}
			q.Set("status", s)
		}
		if e, _ := cmd.Flags().GetString("event"); e != "" {
			q.Set("event", e)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))

		var page logPage
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/logs?"+q.Encode(), nil, &page); err != nil {
			return fmt.Errorf("failed to list logs: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), page, func(w io.Writer) {
			if len(page.Entries) == 0 {
				fmt.Fprintln(w, "No delivery log entries found")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEVENT\tSTATUS\tATTEMPTS\tCODE\tUPDATED\tERROR")
			for _, e := range page.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
					e.ID, e.EventName, e.Status, e.AttemptCount, e.MaxAttempts,
					e.ResponseCode, formatTime(e.UpdatedAt), truncate(e.ErrorMessage, 48))
			}
			tw.Flush()
			fmt.Fprintf(w, "\nShowing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Entries), page.Total)
		})
	},
}

func printEntry(w io.Writer, e delivery.Entry) {
	fmt.Fprintf(w, "Delivery %s\n", e.ID)
	fmt.Fprintf(w, "  Event: %s (configuration %s)\n", e.EventName, e.EventID)
	fmt.Fprintf(w, "  Endpoint: %s %s\n", e.HTTPMethod, e.APIEndpoint)
	fmt.Fprintf(w, "  Status: %s\n", e.Status)
	fmt.Fprintf(w, "  Attempts: %d of %d\n", e.AttemptCount, e.MaxAttempts)
	if e.ResponseCode > 0 {
		fmt.Fprintf(w, "  Response: %d %s\n", e.ResponseCode, truncate(e.ResponseBody, 200))
	}
	if e.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error: %s\n", e.ErrorMessage)
	}
	fmt.Fprintf(w, "  Created: %s\n", formatTime(e.CreatedAt))
	fmt.Fprintf(w, "  Updated: %s\n", formatTime(e.UpdatedAt))
	if e.RequestData != "" {
		fmt.Fprintf(w, "  Request: %s\n", truncate(e.RequestData, 200))
	}
}

var logsGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show one delivery log entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e delivery.Entry
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/logs/"+url.PathEscape(args[0]), nil, &e); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), e, func(w io.Writer) { printEntry(w, e) })
	},
}

var logsRetryCmd = &cobra.Command{
	Use:   "retry [delivery-id]",
	Short: "Retry a delivery now",
	Long: `Retry a delivery immediately. A failed delivery is sent once more even if
it used all its attempts.

Example:
  relayctl logs retry 3f1c2a9e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var e delivery.Entry
		if err := callAPI(cmd.Context(), http.MethodPost, "/v1/logs/"+url.PathEscape(args[0])+"/retry", nil, &e); err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), e, func(w io.Writer) { printEntry(w, e) })
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the delivery log",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st delivery.Stats
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/stats", nil, &st); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Total\t%d\n", st.Total)
			fmt.Fprintf(tw, "Success\t%d\n", st.Success)
			fmt.Fprintf(tw, "Failed\t%d\n", st.Failed)
			fmt.Fprintf(tw, "Pending\t%d\n", st.Pending)
			fmt.Fprintf(tw, "Retry pending\t%d\n", st.RetryPending)
			fmt.Fprintf(tw, "In flight\t%d\n", st.InFlight)
			fmt.Fprintf(tw, "Last 24h\t%d\n", st.Recent)
			tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(logsCmd, statsCmd)
	logsCmd.AddCommand(logsListCmd, logsGetCmd, logsRetryCmd)

	logsListCmd.Flags().String("status", "", "filter by status (pending, in_flight, retry_pending, success, failed)")
	logsListCmd.Flags().String("event", "", "filter by event name")
	logsListCmd.Flags().Int("limit", 50, "page size (1-200)")
	logsListCmd.Flags().Int("offset", 0, "entries to skip")
}
