package cli

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/fieldsync/internal/types"
)

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:       "list incidents|distributions",
		Short:     "List records held on the device",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"incidents", "distributions"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "incidents":
				return listRecords[types.Incident](cmd, opts, "/incidents", pendingOnly)
			case "distributions":
				return listRecords[types.Distribution](cmd, opts, "/distributions", pendingOnly)
			default:
				return fmt.Errorf("unknown record kind %q", args[0])
			}
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only records not yet delivered")
	return cmd
}

func listRecords[P types.Payload](cmd *cobra.Command, opts *RootOptions, path string, pendingOnly bool) error {
	var records []types.Record[P]
	if err := opts.client.Do(cmd.Context(), http.MethodGet, path, nil, &records); err != nil {
		return err
	}
	if pendingOnly {
		kept := records[:0]
		for _, r := range records {
			if !r.Synced {
				kept = append(kept, r)
			}
		}
		records = kept
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return printJSON(out, records)
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{string(r.ID), r.CapturedAt.Format(time.RFC3339), strconv.FormatBool(r.Synced)})
	}
	return printTable(out, []string{"RECORD", "CAPTURED", "SYNCED"}, rows)
}
