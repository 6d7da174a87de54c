package cmd

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
)

var configurationsCmd = &cobra.Command{
	Use:     "configurations",
	Aliases: []string{"cfgs"},
	Short:   "List the API call configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Configurations []delivery.Configuration `json:"configurations"`
		}
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/configs", nil, &resp); err != nil {
			return fmt.Errorf("failed to list configurations: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), resp, func(w io.Writer) {
			if len(resp.Configurations) == 0 {
				fmt.Fprintln(w, "No configurations")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEVENT\tMETHOD\tENDPOINT\tACTIVE\tRETRIES")
			for _, c := range resp.Configurations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%d\n",
					c.ID, c.EventName, c.HTTPMethod, c.APIEndpoint, c.IsActive, c.RetryAttempts)
			}
			tw.Flush()
		})
	},
}

var testCallCmd = &cobra.Command{
	Use:   "test-call [api-endpoint]",
	Short: "Send a one-off request to a destination",
	Long: `Render a payload template against sample data and send it, without
writing to the delivery log.

Example:
  relayctl test-call https://api.example.com/hooks \
    --method POST --header "Authorization: Bearer abc" \
    --template '{"user":"{{user_email}}","at":"{{timestamp}}"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, _ := cmd.Flags().GetString("method")
		tmpl, _ := cmd.Flags().GetString("template")
		rawHeaders, _ := cmd.Flags().GetStringArray("header")
		headers, err := parseHeaderFlags(rawHeaders)
		if err != nil {
			return err
		}
		req := dispatch.TestRequest{
			APIEndpoint:     args[0],
			HTTPMethod:      method,
			Headers:         headers,
			PayloadTemplate: tmpl,
		}

		var res dispatch.TestResult
		if err := callAPI(cmd.Context(), http.MethodPost, "/v1/test-call", req, &res); err != nil {
			return fmt.Errorf("test call failed: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			if res.Success {
				fmt.Fprintf(w, "Success: HTTP %d in %dms\n", res.ResponseCode, res.DurationMS)
			} else {
				fmt.Fprintf(w, "Failed: %s\n", res.Error)
			}
			fmt.Fprintf(w, "  Sent: %s\n", truncate(res.SentData, 200))
			if res.ResponseBody != "" {
				fmt.Fprintf(w, "  Response: %s\n", truncate(res.ResponseBody, 200))
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(configurationsCmd, testCallCmd)

	testCallCmd.Flags().String("method", "POST", "HTTP method")
	testCallCmd.Flags().String("template", "", "payload template")
	testCallCmd.Flags().StringArray("header", nil, "request header as 'Name: value' (repeatable)")
}
