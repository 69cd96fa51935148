package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/reaqtor/internal/artifact"
)

// Verb is the action of a Command.
type Verb string

const (
	VerbNew    Verb = "new"
	VerbRemove Verb = "remove"
	VerbGet    Verb = "get"
)

// ParseVerb parses a verb name, ignoring case.
func ParseVerb(s string) (Verb, error) {
	switch v := Verb(strings.ToLower(s)); v {
	case VerbNew, VerbRemove, VerbGet:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVerb, s)
	}
}

// Command is a request against one artifact, such as "new observable".
type Command struct {
	Verb       Verb
	Noun       artifact.Kind
	URI        string
	Definition artifact.Definition
}

// Result is the outcome of a Command.
type Result struct {
	Artifact *artifact.Artifact
	Found    bool
	Removed  bool
}

// Dispatch routes cmd to Create, Remove or Get. Failures are returned as
// *CommandError.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	wrap := func(err error) error {
		return &CommandError{Verb: cmd.Verb, Noun: cmd.Noun, URI: cmd.URI, Err: err}
	}
	if !cmd.Noun.IsValid() {
		return nil, wrap(fmt.Errorf("invalid noun %d", uint8(cmd.Noun)))
	}
	if cmd.URI == "" {
		return nil, wrap(fmt.Errorf("uri is required"))
	}

	switch cmd.Verb {
	case VerbNew:
		a, err := e.Create(ctx, cmd.Noun, cmd.URI, cmd.Definition)
		if err != nil {
			return nil, wrap(err)
		}
		return &Result{Artifact: a, Found: true}, nil
	case VerbRemove:
		removed, err := e.Remove(ctx, cmd.Noun, cmd.URI)
		if err != nil {
			return nil, wrap(err)
		}
		return &Result{Removed: removed}, nil
	case VerbGet:
		a, ok := e.Get(cmd.Noun, cmd.URI)
		return &Result{Artifact: a, Found: ok}, nil
	default:
		return nil, wrap(fmt.Errorf("%w: %q", ErrUnknownVerb, cmd.Verb))
	}
}
