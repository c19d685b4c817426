package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/spf13/cobra"
)

// Event mirrors the control plane's observability event.
type Event struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		types []string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent control plane events",
		Long: `Show recent events, oldest first. Filter with --type, for example
--type failover.completed --type failover.sla_breach.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if len(types) > 0 {
				q.Set("type", strings.Join(types, ","))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var list []Event
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/events", q, nil, &list); err != nil {
				return err
			}
			return opts.printer(cmd).Print(list, func(w io.Writer) {
				for _, e := range list {
					fmt.Fprintf(w, "%s  %-30s %s\n", e.At.UTC().Format(time.RFC3339), e.Type, e.Key)
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "event type to include (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum events to show")
	return cmd
}

// NewDecisionsCommand creates the decisions command.
func NewDecisionsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent routing decisions with candidate scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var list []models.RoutingDecision
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/routing/decisions", q, nil, &list); err != nil {
				return err
			}
			return opts.printer(cmd).Print(list, func(w io.Writer) {
				for _, d := range list {
					fmt.Fprintf(w, "%s  job %s -> %s\n", d.DecidedAt.UTC().Format(time.RFC3339), d.JobID, d.ChosenNode)
					for _, c := range d.Candidates {
						fmt.Fprintf(w, "    %-14s %.3f  spec=%.2f perf=%.2f load=%.2f prox=%.2f price=%.2f\n",
							c.NodeID, c.Score, c.Components.Spec, c.Components.Performance,
							c.Components.Load, c.Components.Proximity, c.Components.Price)
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum decisions to show")
	return cmd
}

// NewHealthCommand creates the health command.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the control plane and its dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status struct {
				Status       string            `json:"status"`
				Services     map[string]string `json:"services"`
				NodesTracked int               `json:"nodes_tracked"`
				SnapshotAt   time.Time         `json:"snapshot_at"`
			}
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/health", nil, nil, &status); err != nil {
				return err
			}
			return opts.printer(cmd).Print(status, func(w io.Writer) {
				fmt.Fprintf(w, "status: %s (%d nodes tracked)\n", status.Status, status.NodesTracked)
				names := make([]string, 0, len(status.Services))
				for name := range status.Services {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(w, "  %-9s %s\n", name, status.Services[name])
				}
			})
		},
	}
}
