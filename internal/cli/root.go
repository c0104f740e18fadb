package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Format  string // "json" | "text"
	Timeout time.Duration

	client *Client
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the operator CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldctl",
		Short: "Inspect and drive the fieldsync device daemon",
		Long: `fieldctl talks to the local API of a running fieldsync daemon.

It reports how many captured records are still waiting for delivery, forces a
replay of pending records, and captures records from the command line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.client = NewClient(opts.Addr, &http.Client{Timeout: opts.Timeout})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr(), "daemon API address (env FIELDSYNC_ADDR)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", time.Minute, "request timeout")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewListCommand(opts))

	return cmd
}

func defaultAddr() string {
	if addr := os.Getenv("FIELDSYNC_ADDR"); addr != "" {
		return addr
	}
	return "http://127.0.0.1:8080"
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
