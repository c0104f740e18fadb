package cli

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/example/fieldsync/internal/api"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay every pending record now",
		Long: `Ask the daemon to deliver all pending records and wait for the run.

Records that still fail stay pending; the command exits non-zero when any
record is left behind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.SyncResponse
			callErr := opts.client.Do(cmd.Context(), http.MethodPost, "/sync", nil, &resp)
			var apiErr *APIError
			if callErr != nil && !errors.As(callErr, &apiErr) {
				return callErr
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				if err := printJSON(out, resp); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(resp.Results))
				for _, r := range resp.Results {
					rows = append(rows, []string{
						string(r.Kind),
						strconv.Itoa(r.Attempted),
						strconv.Itoa(r.Synced),
						strconv.Itoa(r.Failed),
						strconv.Itoa(r.Pending),
						r.Error,
					})
				}
				if err := printTable(out, []string{"KIND", "ATTEMPTED", "SYNCED", "FAILED", "PENDING", "ERROR"}, rows); err != nil {
					return err
				}
			}

			if callErr != nil {
				return callErr
			}
			for _, r := range resp.Results {
				if r.Pending > 0 {
					return errors.New("records remain pending")
				}
			}
			return nil
		},
	}
}
