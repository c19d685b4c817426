// Package main runs a node agent: the health endpoint the control plane
// probes, the restore endpoint failover dispatches to, and a heartbeat loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/agent"
	"github.com/kiranshivaraju/gpufleet/pkg/models"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	NodeID       string
	Listen       string
	GPUs         int
	MemoryGB     int
	Seed         uint64
	Interval     time.Duration
	Sink         string
	ControlPlane string
	APIKey       string
	Etcd         []string
	EtcdPrefix   string
	TTL          time.Duration
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newRootCommand(logger).ExecuteContext(context.Background()); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "gpufleet-agent",
		Short:         "GPU node agent for the gpufleet control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.APIKey == "" {
				opts.APIKey = os.Getenv("GPUFLEET_API_KEY")
			}
			return run(cmd.Context(), opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.NodeID, "node-id", "", "node id as registered with the control plane")
	f.StringVar(&opts.Listen, "listen", ":9100", "address for /healthz and the restore endpoint")
	f.IntVar(&opts.GPUs, "gpus", 8, "simulated GPU count")
	f.IntVar(&opts.MemoryGB, "memory-gb", 80, "simulated memory per GPU")
	f.Uint64Var(&opts.Seed, "seed", uint64(time.Now().UnixNano()), "simulator seed")
	f.DurationVar(&opts.Interval, "interval", 5*time.Second, "heartbeat interval")
	f.StringVar(&opts.Sink, "heartbeat", "none", "heartbeat transport (none|http|etcd)")
	f.StringVar(&opts.ControlPlane, "control-plane", "http://localhost:8080", "control plane base URL for http heartbeats")
	f.StringVar(&opts.APIKey, "api-key", "", "operator API key (defaults to $GPUFLEET_API_KEY)")
	f.StringSliceVar(&opts.Etcd, "etcd", nil, "etcd endpoints for etcd heartbeats")
	f.StringVar(&opts.EtcdPrefix, "etcd-prefix", "/gpufleet/heartbeats/", "etcd heartbeat key prefix")
	f.DurationVar(&opts.TTL, "ttl", 15*time.Second, "etcd lease TTL")
	_ = cmd.MarkFlagRequired("node-id")

	return cmd
}

func newSink(opts *options) (agent.Sink, func(), error) {
	switch opts.Sink {
	case "http":
		return agent.NewHTTPSink(opts.ControlPlane, opts.APIKey, opts.Interval), func() {}, nil
	case "etcd":
		if len(opts.Etcd) == 0 {
			return nil, nil, fmt.Errorf("--etcd is required with --heartbeat=etcd")
		}
		cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Etcd, DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		return agent.NewEtcdSink(cli, opts.EtcdPrefix, opts.TTL), func() { _ = cli.Close() }, nil
	case "none":
		return nopSink{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("invalid --heartbeat %q: must be one of none, http, etcd", opts.Sink)
	}
}

// nopSink is used when the control plane probes the agent actively.
type nopSink struct{}

func (nopSink) Send(context.Context, models.Heartbeat) error { return nil }
func (nopSink) Close(context.Context) error                 { return nil }

func run(ctx context.Context, opts *options, logger *slog.Logger) error {
	sink, closeSink, err := newSink(opts)
	if err != nil {
		return err
	}
	defer closeSink()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Config{NodeID: opts.NodeID, Interval: opts.Interval},
		agent.NewSimulator(opts.GPUs, opts.MemoryGB, opts.Seed), sink, logger)

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent listening", "addr", opts.Listen, "node_id", opts.NodeID, "heartbeat", opts.Sink)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		_ = a.Run(ctx)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("agent server: %w", err)
		stop()
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}
	<-beatDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("agent shutdown: %w", err)
	}
	return serveErr
}
