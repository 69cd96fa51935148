package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/reaqtor/internal/artifact"
)

// ErrNotStarted is returned by operations that need a Started engine.
var ErrNotStarted = errors.New("engine not started")

// ErrUnknownVerb is returned by Dispatch for verbs it does not route.
var ErrUnknownVerb = errors.New("unknown command verb")

// CommandError reports a failed command with the request that caused it.
type CommandError struct {
	Verb Verb
	Noun artifact.Kind
	URI  string
	Err  error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Verb, e.Noun, e.URI, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Verb, e.Noun, e.Err)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsNotStarted reports whether err means the engine was not Started.
func IsNotStarted(err error) bool {
	return errors.Is(err, ErrNotStarted)
}
