// Package cli implements fleetctl, the operator command line for the control
// plane's HTTP API.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server  string
	APIKey  string
	Format  string
	Timeout time.Duration
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, o.APIKey, o.Timeout)
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// NewRootCommand creates the root command for fleetctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate a GPU fleet control plane",
		Long:          "fleetctl registers GPU nodes, submits and checkpoints jobs, and inspects health, routing and failover history.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.APIKey == "" {
				opts.APIKey = os.Getenv("GPUFLEET_API_KEY")
			}
			return nil
		},
	}

	server := os.Getenv("GPUFLEET_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", server, "control plane base URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", "", "bearer API key (defaults to $GPUFLEET_API_KEY)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(NewNodesCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewDecisionsCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))

	return cmd
}
