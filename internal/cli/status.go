package cli

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/example/fieldsync/internal/api"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show captured and pending record counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.StatusResponse
			if err := opts.client.Do(cmd.Context(), http.MethodGet, "/status", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return printJSON(out, resp)
			}

			if resp.Online != nil {
				state := "offline"
				if *resp.Online {
					state = "online"
				}
				fmt.Fprintf(out, "remote: %s\n", state)
			}
			rows := make([][]string, 0, len(resp.Ledgers))
			for _, s := range resp.Ledgers {
				rows = append(rows, []string{string(s.Kind), strconv.Itoa(s.Total), strconv.Itoa(s.Pending)})
			}
			return printTable(out, []string{"KIND", "TOTAL", "PENDING"}, rows)
		},
	}
}
