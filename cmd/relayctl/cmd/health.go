package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// fetchHealth reads /healthz. An unhealthy service answers 503 with the same
// body, so that is decoded too.
func fetchHealth(ctx context.Context) (health.Status, error) {
	var st health.Status
	err := callAPI(ctx, http.MethodGet, "/healthz", nil, &st)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		st.OK = false
		st.Message = apiErr.Message
		return st, nil
	}
	return st, err
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay API",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := fetchHealth(cmd.Context())
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		err = printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			if st.OK {
				fmt.Fprintln(w, "Service is healthy")
			} else {
				fmt.Fprintf(w, "Service is unhealthy: %s\n", st.Message)
			}
			names := make([]string, 0, len(st.Checks))
			for name := range st.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "  %s: %s\n", name, st.Checks[name])
			}
		})
		if err == nil && !st.OK {
			return errors.New("service unhealthy")
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
