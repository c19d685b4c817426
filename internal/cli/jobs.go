package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/spf13/cobra"
)

// Submission is the answer to a job submission.
type Submission struct {
	Job      models.Job             `json:"job"`
	Decision models.RoutingDecision `json:"decision"`
}

const jobRowFormat = "%-36s  %-10s %-14s %4s  %s\n"

func writeJobHeader(w io.Writer) {
	fmt.Fprintf(w, jobRowFormat, "ID", "STATUS", "NODE", "GPUS", "UPDATED")
}

func writeJobRow(w io.Writer, j models.Job) {
	fmt.Fprintf(w, jobRowFormat, j.ID, j.Status, deref(j.NodeID),
		strconv.Itoa(j.Requirements.GPUs), j.UpdatedAt.UTC().Format(time.RFC3339))
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit, checkpoint and inspect jobs",
	}
	cmd.AddCommand(
		newJobsSubmitCommand(opts),
		newJobsListCommand(opts),
		newJobsStatusCommand(opts),
		newJobsCompleteCommand(opts),
		newJobsCancelCommand(opts),
		newJobsCheckpointCommand(opts),
		newJobsFailoversCommand(opts),
	)
	return cmd
}

func newJobsSubmitCommand(opts *RootOptions) *cobra.Command {
	var req models.Requirements
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and let the router place it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sub Submission
			if _, err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/v1/jobs", nil, req, &sub); err != nil {
				return err
			}
			return opts.printer(cmd).Print(sub, func(w io.Writer) {
				fmt.Fprintf(w, "job %s placed on %s\n", sub.Job.ID, sub.Decision.ChosenNode)
				for i, c := range sub.Decision.Candidates {
					fmt.Fprintf(w, "  %d. %-14s score=%.3f price=%.2f\n", i+1, c.NodeID, c.Score, c.PricePerHour)
				}
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&req.GPUs, "gpus", 1, "GPUs to reserve")
	f.StringVar(&req.Region, "region", "", "preferred region")
	f.StringVar(&req.Spec.Manufacturer, "manufacturer", "", "required GPU manufacturer")
	f.StringVar(&req.Spec.Model, "model", "", "required GPU model")
	f.IntVar(&req.Spec.MemoryGB, "memory-gb", 0, "minimum memory per GPU")
	f.StringSliceVar(&req.Spec.Features, "feature", nil, "required feature (repeatable)")
	return cmd
}

func newJobsListCommand(opts *RootOptions) *cobra.Command {
	var (
		nodeID string
		status []string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if nodeID != "" {
				q.Set("node_id", nodeID)
			}
			if len(status) > 0 {
				q.Set("status", strings.Join(status, ","))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var list []models.Job
			meta, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/jobs", q, nil, &list)
			if err != nil {
				return err
			}
			return opts.printer(cmd).Print(list, func(w io.Writer) {
				writeJobHeader(w)
				for _, j := range list {
					writeJobRow(w, j)
				}
				if meta != nil && meta.HasNext {
					fmt.Fprintf(w, "(showing %d of %d)\n", len(list), meta.Total)
				}
			})
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "only jobs on this node")
	cmd.Flags().StringSliceVar(&status, "status", nil, "only jobs in these states")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs to list")
	return cmd
}

func newJobsStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v models.JobStatusView
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+args[0], nil, nil, &v); err != nil {
				return err
			}
			return opts.printer(cmd).Print(v, func(w io.Writer) {
				fmt.Fprintf(w, "job:        %s\n", v.ID)
				fmt.Fprintf(w, "status:     %s\n", v.Status)
				fmt.Fprintf(w, "node:       %s\n", deref(v.NodeID))
				fmt.Fprintf(w, "checkpoint: %d\n", v.LastCheckpointSeq)
			})
		},
	}
}

func newJobsCompleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Mark a job completed and release its GPUs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return finishJob(cmd, opts, args[0], "complete", nil)
		},
	}
}

func newJobsCancelCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job and release its GPUs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return finishJob(cmd, opts, args[0], "cancel", map[string]string{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the job is cancelled")
	return cmd
}

func finishJob(cmd *cobra.Command, opts *RootOptions, id, action string, body any) error {
	var j models.Job
	if _, err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+id+"/"+action, nil, body, &j); err != nil {
		return err
	}
	return opts.printer(cmd).Print(j, func(w io.Writer) {
		fmt.Fprintf(w, "job %s %s\n", j.ID, j.Status)
	})
}

func newJobsCheckpointCommand(opts *RootOptions) *cobra.Command {
	var (
		file string
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoint <job-id> -f <state-file>",
		Short: "Upload a checkpoint of a job's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read state file: %w", err)
			}
			q := url.Values{}
			if wait {
				q.Set("wait", "true")
			}
			var cp models.Checkpoint
			if _, err := opts.client().Do(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+args[0]+"/checkpoints", q, payload, &cp); err != nil {
				return err
			}
			return opts.printer(cmd).Print(cp, func(w io.Writer) {
				fmt.Fprintf(w, "checkpoint %d of job %s %s (%d bytes)\n", cp.Seq, cp.JobID, cp.Status, cp.Size)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file holding the job state")
	cmd.Flags().BoolVar(&wait, "wait", false, "return only once the checkpoint is durable")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newJobsFailoversCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failovers <job-id>",
		Short: "Show a job's failover history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []models.FailoverEvent
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+args[0]+"/failovers", nil, nil, &list); err != nil {
				return err
			}
			return opts.printer(cmd).Print(list, func(w io.Writer) {
				for _, e := range list {
					breach := ""
					if e.SLABreach {
						breach = "  SLA BREACH"
					}
					fmt.Fprintf(w, "%s  %s -> %s  %s  seq=%d  recovery=%s%s\n",
						e.DetectedAt.UTC().Format(time.RFC3339), e.SourceNode, deref(e.DestNode),
						e.Outcome, e.RestoredSeq, e.RecoveryTime(), breach)
				}
			})
		},
	}
}
