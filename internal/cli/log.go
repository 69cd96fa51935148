package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Coalesce bool
	Purge    bool
}

// LogResult is the output of the log command.
type LogResult struct {
	Latest    uint64 `json:"latest"`
	Oldest    uint64 `json:"oldest"`
	Retained  int    `json:"retained"`
	Marker    uint64 `json:"marker"`
	HasMarker bool   `json:"has_marker"`
	Coalesced int    `json:"coalesced,omitempty"`
	Reclaimed int    `json:"reclaimed,omitempty"`
	Lost      int    `json:"lost,omitempty"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect and compact the transaction log",
		Long: `Show the version window of the transaction log: the latest version
handed out, the oldest retained entry and the checkpoint marker.

--coalesce collapses repeated entries for the same entity after the marker.
--purge deletes entries at or below the marker.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Coalesce, "coalesce", false, "collapse repeated entries after the marker")
	cmd.Flags().BoolVar(&opts.Purge, "purge", false, "delete entries covered by the marker")
	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	out := formatter(opts.RootOptions, cmd)
	log := s.engine.Log()
	var res LogResult
	if opts.Coalesce {
		n, err := log.Coalesce(ctx)
		if err != nil {
			return out.Fail(ExitFailure, ErrCodeFailed, err.Error(), nil)
		}
		res.Coalesced = n
	}
	if opts.Purge {
		gc, err := log.GarbageCollect(ctx)
		if err != nil {
			return out.Fail(ExitFailure, ErrCodeFailed, err.Error(), nil)
		}
		res.Reclaimed = gc.Reclaimed
		res.Lost = gc.Lost
	}

	st := log.Stats()
	res.Latest = st.Latest
	res.Oldest = st.Oldest
	res.Retained = st.Retained
	res.Marker = st.Marker
	res.HasMarker = st.HasMarker

	return out.Render(res, func(w io.Writer) {
		fmt.Fprintf(w, "Latest version: %d\n", res.Latest)
		fmt.Fprintf(w, "Retained entries: %d", res.Retained)
		if res.Retained > 0 {
			fmt.Fprintf(w, " (from %d)", res.Oldest)
		}
		fmt.Fprintln(w)
		if res.HasMarker {
			fmt.Fprintf(w, "Checkpoint marker: %d\n", res.Marker)
		} else {
			fmt.Fprintln(w, "Checkpoint marker: none")
		}
		if opts.Coalesce {
			fmt.Fprintf(w, "Coalesced %d entries\n", res.Coalesced)
		}
		if opts.Purge {
			fmt.Fprintf(w, "Purged %d entries\n", res.Reclaimed)
		}
	})
}
