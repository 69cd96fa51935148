package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/engine"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Expression string
	Uses       []string
	Reliable   bool
	Transient  bool
}

// ExecResult is the output of the exec command.
type ExecResult struct {
	Verb        string   `json:"verb"`
	Kind        string   `json:"kind"`
	URI         string   `json:"uri"`
	Found       bool     `json:"found,omitempty"`
	Removed     bool     `json:"removed,omitempty"`
	Expression  string   `json:"expression,omitempty"`
	Uses        []string `json:"uses,omitempty"`
	Reliable    bool     `json:"reliable,omitempty"`
	Placeholder bool     `json:"placeholder,omitempty"`
	HasState    bool     `json:"has_state,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <new|remove|get> <kind> <uri>",
		Short: "Run one registry command against a recovered engine",
		Long: `Recover the engine and run a single registry command. Mutations are
journaled to the transaction log, so they survive without a checkpoint.

Kinds: observable, observer, stream, stream_factory,
subscription_factory, subscription.

Examples:
  reaqtor exec new observable rx://ticks --expression "timer(1s)"
  reaqtor exec new subscription rx://sub --expression "rx://ticks.subscribe()" --uses rx://ticks
  reaqtor exec get subscription rx://sub --format json
  reaqtor exec remove subscription rx://sub`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Expression, "expression", "e", "", "definition expression (new only)")
	cmd.Flags().StringSliceVar(&opts.Uses, "uses", nil, "URIs the expression references (new only)")
	cmd.Flags().BoolVar(&opts.Reliable, "reliable", false, "resume from the acknowledged sequence after recovery")
	cmd.Flags().BoolVar(&opts.Transient, "transient", false, "never checkpoint this artifact")
	return cmd
}

func runExec(opts *ExecOptions, args []string, cmd *cobra.Command) error {
	verb, err := engine.ParseVerb(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid command", err)
	}
	kind, err := artifact.ParseKind(args[1])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid command", err)
	}

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
	res, err := s.engine.Dispatch(ctx, engine.Command{
		Verb: verb,
		Noun: kind,
		URI:  args[2],
		Definition: artifact.Definition{
			Expression: opts.Expression,
			Uses:       opts.Uses,
			Reliable:   opts.Reliable,
			Transient:  opts.Transient,
		},
	})
	if err != nil {
		code := string(artifact.CodeOf(err))
		if code == "" {
			code = ErrCodeFailed
		}
		return out.Fail(ExitFailure, code, err.Error(), nil)
	}

	view := ExecResult{Verb: string(verb), Kind: kind.String(), URI: args[2], Found: res.Found, Removed: res.Removed}
	if a := res.Artifact; a != nil {
		view.Found = true
		view.Expression = a.Definition.Expression
		view.Uses = a.Definition.Uses
		view.Reliable = a.Definition.Reliable
		view.Placeholder = a.Placeholder
		view.HasState = len(a.State) > 0
	}
	return out.Render(view, func(w io.Writer) {
		switch {
		case verb == engine.VerbRemove && !view.Removed:
			fmt.Fprintf(w, "%s %s was not registered\n", view.Kind, view.URI)
		case verb == engine.VerbRemove:
			fmt.Fprintf(w, "Removed %s %s\n", view.Kind, view.URI)
		case !view.Found:
			fmt.Fprintf(w, "%s %s not found\n", view.Kind, view.URI)
		default:
			fmt.Fprintf(w, "%s %s\n", view.Kind, view.URI)
			fmt.Fprintf(w, "  expression: %s\n", view.Expression)
			if len(view.Uses) > 0 {
				fmt.Fprintf(w, "  uses: %v\n", view.Uses)
			}
			if view.Placeholder {
				fmt.Fprintln(w, "  placeholder: definition could not be loaded")
			}
		}
	})
}
