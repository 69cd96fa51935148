package testutil

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/reaqtor/internal/artifact"
)

// ErrInjectedStart is returned by FakeStarter for URIs set to fail without
// a specific error.
var ErrInjectedStart = errors.New("injected start failure")

// FakeStarter is an operator starter for tests. It records every
// successful start in order and fails the URIs it was told to fail.
type FakeStarter struct {
	mu       sync.Mutex
	fail     map[string]error
	started  []string
	attempts map[string]int
}

func NewFakeStarter() *FakeStarter {
	return &FakeStarter{
		fail:     make(map[string]error),
		attempts: make(map[string]int),
	}
}

// FailOn makes every later start of uri fail with err, or with
// ErrInjectedStart when err is nil.
func (s *FakeStarter) FailOn(uri string, err error) {
	if err == nil {
		err = ErrInjectedStart
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[uri] = err
}

// Clear lets uri start again.
func (s *FakeStarter) Clear(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fail, uri)
}

// Start implements recovery.Starter. The runtime is always nil, so
// checkpoints fall back to the artifact's recorded state.
func (s *FakeStarter) Start(_ context.Context, a *artifact.Artifact) (artifact.Stateful, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.URI]++
	if err, ok := s.fail[a.URI]; ok {
		return nil, err
	}
	s.started = append(s.started, a.URI)
	return nil, nil
}

// Started returns the URIs started so far, in order.
func (s *FakeStarter) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.started)
}

// Attempts returns how often uri was started, including failures.
func (s *FakeStarter) Attempts(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[uri]
}

// Reset forgets recorded starts. Injected failures stay.
func (s *FakeStarter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = nil
	s.attempts = make(map[string]int)
}
