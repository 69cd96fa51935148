package cli

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	CheckpointInterval time.Duration
	CheckpointOnExit   bool
	MetricsAddr        string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recover the engine and keep it running",
		Long: `Recover the engine, then run scheduled work, periodic garbage
collection (when configured) and periodic checkpoints until interrupted.

When metrics are enabled in the configuration, --metrics-addr serves them
in Prometheus text format on /metrics.

Example:
  reaqtor run --config reaqtor.cue --checkpoint-interval 5m
  reaqtor run --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.CheckpointInterval, "checkpoint-interval", 0, "take a checkpoint this often (0 disables)")
	cmd.Flags().BoolVar(&opts.CheckpointOnExit, "checkpoint-on-exit", true, "take a checkpoint before unloading")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address for the metrics endpoint")
	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close(context.Background())

	var srv *http.Server
	if opts.MetricsAddr != "" {
		if srv, err = metricsServer(s, opts.MetricsAddr); err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
	}

	if err := s.recover(ctx); err != nil {
		return err
	}
	slog.Info("engine started", "backend", s.cfg.Store.Backend, "checkpoint_interval", opts.CheckpointInterval)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.engine.Close()
		return nil
	})
	if opts.CheckpointInterval > 0 {
		g.Go(func() error {
			return checkpointLoop(gctx, s, opts.CheckpointInterval)
		})
	}
	if srv != nil {
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	if opts.CheckpointOnExit {
		if _, err := s.engine.Checkpoint(context.Background()); err != nil {
			return WrapExitError(ExitFailure, "final checkpoint failed", err)
		}
	}
	slog.Info("engine stopped gracefully")
	return nil
}

// checkpointLoop checkpoints every interval. A failed checkpoint is logged
// and retried on the next tick.
func checkpointLoop(ctx context.Context, s *session, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.engine.Checkpoint(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("periodic checkpoint failed", "error", err)
				continue
			}
			total, _, failed := report.Totals()
			slog.Info("periodic checkpoint", "version", report.Version, "total", total, "failed", failed)
		}
	}
}

func metricsServer(s *session, addr string) (*http.Server, error) {
	reg := s.metrics.Registry()
	if reg == nil {
		return nil, fmt.Errorf("metrics are disabled in the configuration")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
