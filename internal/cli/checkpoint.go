package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reaqtor/internal/checkpoint"
)

// CheckpointResult is the output of the checkpoint command.
type CheckpointResult struct {
	Version      uint64           `json:"version"`
	Mode         string           `json:"mode"`
	Total        int              `json:"total"`
	Skipped      int              `json:"skipped"`
	Failed       int              `json:"failed"`
	Pruned       int              `json:"pruned"`
	LogReclaimed int              `json:"log_reclaimed"`
	LogGCError   string           `json:"log_gc_error,omitempty"`
	Categories   []CategoryResult `json:"categories"`
}

// CategoryResult counts one kind in one phase.
type CategoryResult struct {
	Kind      string `json:"kind"`
	Phase     string `json:"phase"`
	Total     int    `json:"total"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Unchanged int    `json:"unchanged"`
}

// NewCheckpointCommand creates the checkpoint command.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Recover the engine and take a checkpoint",
		Long: `Recover the engine, persist every definition and state, move the log
marker and purge the log up to it.

Exit codes:
  0 - Checkpoint committed (entity failures are reported, not fatal)
  1 - Recovery or checkpoint failed
  2 - Command error (bad config, store cannot be opened)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoint(rootOpts, cmd)
		},
	}
}

func runCheckpoint(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	if err := s.recover(ctx); err != nil {
		return err
	}
	out := formatter(opts, cmd)
	report, err := s.engine.Checkpoint(ctx)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeFailed, err.Error(), nil)
	}

	res := checkpointResult(report)
	return out.Render(res, func(w io.Writer) {
		fmt.Fprintf(w, "Checkpoint at version %d (%s)\n", res.Version, res.Mode)
		fmt.Fprintf(w, "Entities: %d total, %d skipped, %d failed\n", res.Total, res.Skipped, res.Failed)
		fmt.Fprintf(w, "Pruned %d stale records, reclaimed %d log entries\n", res.Pruned, res.LogReclaimed)
		if res.LogGCError != "" {
			fmt.Fprintf(w, "warning: log purge failed: %s\n", res.LogGCError)
		}
	})
}

func checkpointResult(r *checkpoint.Report) CheckpointResult {
	total, skipped, failed := r.Totals()
	res := CheckpointResult{
		Version:      r.Version,
		Mode:         r.Mode.String(),
		Total:        total,
		Skipped:      skipped,
		Failed:       failed,
		Pruned:       r.Pruned,
		LogReclaimed: r.LogGC.Reclaimed,
		Categories:   make([]CategoryResult, 0, len(r.Categories)),
	}
	if r.LogGCErr != nil {
		res.LogGCError = r.LogGCErr.Error()
	}
	for _, c := range r.Categories {
		res.Categories = append(res.Categories, CategoryResult{
			Kind:      c.Kind.String(),
			Phase:     string(c.Phase),
			Total:     c.Total,
			Skipped:   c.Skipped,
			Failed:    c.Failed,
			Unchanged: c.Unchanged,
		})
	}
	return res
}
