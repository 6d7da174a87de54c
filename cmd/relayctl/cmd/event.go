package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/event"
	"github.com/austindbirch/harbor_relay/internal/router"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Fire events and list the event catalog",
}

var publishCmd = &cobra.Command{
	Use:   "publish [event-name] [data-json]",
	Short: "Fire an event",
	Long: `Fire an event with optional JSON data. Every active configuration for
the event gets a delivery.

Example:
  relayctl event publish wp_login '{"user_id":7,"user_email":"ann@example.com"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := ""
		if len(args) == 2 {
			raw = args[1]
		}
		data, err := parseObject(raw)
		if err != nil {
			return fmt.Errorf("invalid event data: %w", err)
		}

		var res router.Result
		if err := callAPI(cmd.Context(), http.MethodPost, "/v1/events/"+url.PathEscape(args[0]), data, &res); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "Event %s matched %d configuration(s)\n", res.EventName, res.Matched)
			for _, o := range res.Outcomes {
				if o.Error != "" {
					fmt.Fprintf(w, "  %s: error: %s\n", o.ConfigID, o.Error)
					continue
				}
				fmt.Fprintf(w, "  %s: delivery %s %s\n", o.ConfigID, o.DeliveryID, o.Status)
			}
		})
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the known events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Events []event.Descriptor `json:"events"`
		}
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/events", nil, &resp); err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), resp, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLABEL\tFIELDS")
			for _, d := range resp.Events {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Name, d.Label, len(d.Fields))
			}
			tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd, eventListCmd)
}
