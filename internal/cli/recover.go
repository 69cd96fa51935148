package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/recovery"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover the engine and report what was restored",
		Long: `Load the last checkpoint, replay the transaction log tail and start
every recovered stream and subscription, then report per-kind counts.

Nothing is written except the journal entries of applied mitigations.

Examples:
  reaqtor recover --config reaqtor.cue
  reaqtor recover --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(rootOpts, cmd)
		},
	}
}

func runRecover(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	out := formatter(opts, cmd)
	sum, err := s.engine.Recover(ctx)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeRecovery, err.Error(), sum)
	}
	return out.Render(sum, func(w io.Writer) { writeSummary(w, sum) })
}

func writeSummary(w io.Writer, sum *recovery.Summary) {
	fmt.Fprintf(w, "Recovered from marker %d in %s\n", sum.Marker, sum.Elapsed)
	fmt.Fprintf(w, "Log replay: %d applied, %d failed\n", sum.ReplayApplied, sum.ReplayFailed)
	fmt.Fprintf(w, "%-22s %7s %7s %7s %7s %7s %9s\n",
		"KIND", "LOADED", "FAILED", "NOSTATE", "STARTED", "SFAILED", "MITIGATED")
	for _, k := range artifact.AllKinds {
		ks := sum.Kind(k)
		fmt.Fprintf(w, "%-22s %7d %7d %7d %7d %7d %9d\n",
			k, ks.Loaded, ks.LoadFailed, ks.RecoveredWithoutState, ks.Started, ks.StartFailed, ks.Mitigated)
	}
	for _, k := range sum.CanaryMissing {
		fmt.Fprintf(w, "warning: canary missing for %s\n", k)
	}
}
