package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/reaqtor/internal/config"
	"github.com/roach88/reaqtor/internal/engine"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
)

// session is an engine opened from the command line configuration.
type session struct {
	cfg     *config.Config
	store   store.Store
	engine  *engine.Engine
	metrics *telemetry.MetricsSink
	logger  *slog.Logger
}

// loadConfig reads the --config file, or returns the defaults.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section. --verbose
// forces debug level.
func newLogger(cfg *config.Config, verbose bool, w io.Writer) *slog.Logger {
	level := cfg.LogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// openSession loads configuration, opens the store and builds an engine
// that is not yet recovered.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	metrics, err := telemetry.NewMetricsSink(cfg.ToMetrics())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up metrics", err)
	}
	table, err := cfg.MitigationTable()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid mitigation rules", err)
	}

	slog.Debug("opening store", "backend", cfg.Store.Backend, "path", cfg.Store.Path, "in_memory", cfg.Store.InMemory)
	st, err := store.Open(ctx, cfg.ToStore(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	eng, err := engine.New(ctx, st,
		engine.WithSink(telemetry.Multi{telemetry.NewLogSink(logger), metrics}),
		engine.WithMitigations(table),
		engine.WithCheckpointMode(cfg.CheckpointMode()),
		engine.WithCanary(cfg.Checkpoint.Canary),
		engine.WithGC(cfg.ToGC()))
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}

	return &session{
		cfg:     cfg,
		store:   st,
		engine:  eng,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// recover brings the engine to Started. A recovery failure is a command
// failure, not a usage error.
func (s *session) recover(ctx context.Context) error {
	sum, err := s.engine.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}
	slog.Debug("recovered", "marker", sum.Marker, "replay_applied", sum.ReplayApplied, "elapsed", sum.Elapsed)
	return nil
}

// close unloads a started engine and closes the store.
func (s *session) close(ctx context.Context) {
	if s.engine.Status() == engine.StatusStarted || s.engine.Status() == engine.StatusFaulted {
		if err := s.engine.Unload(ctx); err != nil {
			slog.Warn("unload failed", "error", err)
		}
	}
	s.engine.Close()
	if err := s.store.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}
