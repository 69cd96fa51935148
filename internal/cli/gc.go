package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reaqtor/internal/artifact"
)

// GCOptions holds flags for the gc command.
type GCOptions struct {
	*RootOptions
	Checkpoint bool // checkpoint after the sweep
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GCOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete observables that no subscription or observer can reach",
		Long: `Recover the engine, mark every artifact reachable from the roots and
sweep unreachable observables in batches. Deletions are journaled, so
they survive a restart even without --checkpoint.

Examples:
  reaqtor gc --config reaqtor.cue
  reaqtor gc --checkpoint`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Checkpoint, "checkpoint", false, "take a checkpoint after the sweep")
	return cmd
}

func runGC(opts *GCOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	if err := s.recover(ctx); err != nil {
		return err
	}
	out := formatter(opts.RootOptions, cmd)
	res, err := s.engine.CollectGarbage(ctx)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeFailed, err.Error(), res)
	}
	if opts.Checkpoint && !res.Disabled && res.Operations > 0 {
		if _, err := s.engine.Checkpoint(ctx); err != nil {
			return out.Fail(ExitFailure, ErrCodeFailed, err.Error(), res)
		}
	}

	return out.Render(res, func(w io.Writer) {
		if res.Disabled {
			fmt.Fprintln(w, "Garbage collection is disabled")
			return
		}
		fmt.Fprintf(w, "Marked %d live artifacts in %s\n", res.Live, res.MarkDuration)
		if !res.Swept {
			fmt.Fprintln(w, "Sweep disabled")
			return
		}
		fmt.Fprintf(w, "Swept %d observables in %d iterations (%s)\n", res.Operations, res.Iterations, res.SweepDuration)
		for _, k := range artifact.AllKinds {
			fmt.Fprintf(w, "  %-22s %d\n", k, res.Remaining[k])
		}
	})
}
