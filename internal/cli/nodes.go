package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NodeView is a node with the monitor's view of its health.
type NodeView struct {
	models.Node
	Health models.NodeHealth `json:"health"`
}

const nodeRowFormat = "%-14s %-12s %7s %8s  %-8s %s\n"

func writeNodeHeader(w io.Writer) {
	fmt.Fprintf(w, nodeRowFormat, "ID", "REGION", "GPUS", "PRICE/H", "ELIGIBLE", "HEALTH")
}

func writeNodeRow(w io.Writer, n NodeView) {
	state := "unknown"
	if n.Health.State != 0 {
		state = n.Health.State.String()
	}
	fmt.Fprintf(w, nodeRowFormat, n.ID, n.Region,
		fmt.Sprintf("%d/%d", n.UsedGPUs, n.CapacityGPUs),
		fmt.Sprintf("%.2f", n.PricePerHour),
		yesNo(n.Eligible), state)
}

// NewNodesCommand creates the nodes command group.
func NewNodesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Register and inspect GPU nodes",
	}
	cmd.AddCommand(
		newNodesListCommand(opts),
		newNodesGetCommand(opts),
		newNodesRegisterCommand(opts),
		newNodesCapacityCommand(opts),
		newNodesEligibilityCommand(opts),
		newNodesDeregisterCommand(opts),
	)
	return cmd
}

func newNodesListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes with their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var nodes []NodeView
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/nodes", nil, nil, &nodes); err != nil {
				return err
			}
			return opts.printer(cmd).Print(nodes, func(w io.Writer) {
				writeNodeHeader(w)
				for _, n := range nodes {
					writeNodeRow(w, n)
				}
			})
		},
	}
}

func newNodesGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <node-id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n NodeView
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/nodes/"+args[0], nil, nil, &n); err != nil {
				return err
			}
			return opts.printer(cmd).Print(n, func(w io.Writer) {
				writeNodeHeader(w)
				writeNodeRow(w, n)
			})
		},
	}
}

func newNodesRegisterCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register -f <descriptor.yaml>",
		Short: "Register nodes from a YAML descriptor file",
		Long: `Register one or more nodes. The file holds a single descriptor or a
YAML stream of descriptors separated by "---".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open descriptor: %w", err)
			}
			defer f.Close()

			descs, err := decodeDescriptors(f)
			if err != nil {
				return err
			}
			var registered []NodeView
			for _, d := range descs {
				var n NodeView
				if _, err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/v1/nodes", nil, d, &n); err != nil {
					return fmt.Errorf("register %s: %w", d.ID, err)
				}
				registered = append(registered, n)
			}
			return opts.printer(cmd).Print(registered, func(w io.Writer) {
				for _, n := range registered {
					fmt.Fprintf(w, "registered %s\n", n.ID)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "node descriptor YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func decodeDescriptors(r io.Reader) ([]models.NodeDescriptor, error) {
	dec := yaml.NewDecoder(r)
	var out []models.NodeDescriptor
	for {
		var d models.NodeDescriptor
		err := dec.Decode(&d)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse descriptor %d: %w", len(out)+1, err)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("descriptor file holds no nodes")
	}
	return out, nil
}

func newNodesCapacityCommand(opts *RootOptions) *cobra.Command {
	var (
		gpus  int
		price float64
	)
	cmd := &cobra.Command{
		Use:   "capacity <node-id> --gpus N [--price P]",
		Short: "Change a node's GPU capacity and price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"capacity_gpus": gpus}
			if cmd.Flags().Changed("price") {
				body["price_per_hour"] = price
			}
			var n NodeView
			if _, err := opts.client().Do(cmd.Context(), http.MethodPatch, "/api/v1/nodes/"+args[0]+"/capacity", nil, body, &n); err != nil {
				return err
			}
			return opts.printer(cmd).Print(n, func(w io.Writer) {
				writeNodeHeader(w)
				writeNodeRow(w, n)
			})
		},
	}
	cmd.Flags().IntVar(&gpus, "gpus", 0, "total GPU capacity")
	cmd.Flags().Float64Var(&price, "price", 0, "price per hour")
	_ = cmd.MarkFlagRequired("gpus")
	return cmd
}

func newNodesEligibilityCommand(opts *RootOptions) *cobra.Command {
	var eligible bool
	cmd := &cobra.Command{
		Use:   "eligibility <node-id> --eligible=true|false",
		Short: "Admit a node to routing or withdraw it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n NodeView
			body := map[string]bool{"eligible": eligible}
			if _, err := opts.client().Do(cmd.Context(), http.MethodPatch, "/api/v1/nodes/"+args[0]+"/eligibility", nil, body, &n); err != nil {
				return err
			}
			return opts.printer(cmd).Print(n, func(w io.Writer) {
				writeNodeHeader(w)
				writeNodeRow(w, n)
			})
		},
	}
	cmd.Flags().BoolVar(&eligible, "eligible", true, "whether the router may place jobs on the node")
	return cmd
}

func newNodesDeregisterCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <node-id>",
		Short: "Remove a node that runs no jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().Do(cmd.Context(), http.MethodDelete, "/api/v1/nodes/"+args[0], nil, nil, nil); err != nil {
				return err
			}
			result := map[string]string{"deregistered": args[0]}
			return opts.printer(cmd).Print(result, func(w io.Writer) {
				fmt.Fprintf(w, "deregistered %s\n", args[0])
			})
		},
	}
}
