package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/example/fieldsync/internal/types"
)

// NewSubmitCommand creates the submit command and its per-kind children.
func NewSubmitCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Capture a record through the daemon",
	}
	cmd.AddCommand(newSubmitIncidentCommand(opts))
	cmd.AddCommand(newSubmitDistributionCommand(opts))
	return cmd
}

func newSubmitIncidentCommand(opts *RootOptions) *cobra.Command {
	var in types.Incident
	cmd := &cobra.Command{
		Use:     "incident",
		Short:   "Capture an overdose incident",
		Example: `  fieldctl submit incident --zip 10001 --gender Female --age 26-35 --narcan --survival Survived`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitRecord(cmd, opts, "/incidents", in)
		},
	}
	cmd.Flags().StringVar(&in.ZipCode, "zip", "", "zip code of the incident")
	cmd.Flags().StringVar(&in.Gender, "gender", "", "gender of the person")
	cmd.Flags().StringVar(&in.ApproxAge, "age", "", "approximate age range, e.g. 26-35")
	cmd.Flags().BoolVar(&in.NarcanUsed, "narcan", false, "naloxone was administered")
	cmd.Flags().StringVar(&in.Survival, "survival", "", "outcome, e.g. Survived")
	for _, name := range []string{"zip", "gender", "age", "survival"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newSubmitDistributionCommand(opts *RootOptions) *cobra.Command {
	var in types.Distribution
	cmd := &cobra.Command{
		Use:     "distribution",
		Short:   "Capture a harm-reduction kit distribution",
		Example: `  fieldctl submit distribution --zip 10001 --kit-type narcan --kits 2`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitRecord(cmd, opts, "/distributions", in)
		},
	}
	cmd.Flags().StringVar(&in.ZipCode, "zip", "", "zip code of the hand-out")
	cmd.Flags().StringVar(&in.KitType, "kit-type", "", "kind of kit handed out")
	cmd.Flags().IntVar(&in.KitsGiven, "kits", 1, "number of kits handed out")
	cmd.Flags().StringVar(&in.LastKitOutcome, "last-kit-outcome", "", "what happened with the previous kit")
	cmd.Flags().StringVar(&in.ResponderID, "responder", "", "responder identifier")
	for _, name := range []string{"zip", "kit-type"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func submitRecord[P types.Payload](cmd *cobra.Command, opts *RootOptions, path string, payload P) error {
	var rec types.Record[P]
	if err := opts.client.Do(cmd.Context(), http.MethodPost, path, payload, &rec); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return printJSON(out, rec)
	}
	_, err := fmt.Fprintf(out, "saved %s %s\n", rec.Kind(), rec.ID)
	return err
}
