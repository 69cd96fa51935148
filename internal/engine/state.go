package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/telemetry"
)

// Status is the lifecycle state of an engine.
type Status int

const (
	StatusUnloaded Status = iota
	StatusRecovering
	StatusStarted
	StatusCheckpointing
	StatusUnloading
	StatusFaulted
)

var statusNames = [...]string{
	StatusUnloaded:      "Unloaded",
	StatusRecovering:    "Recovering",
	StatusStarted:       "Started",
	StatusCheckpointing: "Checkpointing",
	StatusUnloading:     "Unloading",
	StatusFaulted:       "Faulted",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Unknown"
}

// StateManager serializes recovery, checkpoint and unload.
//
// Unloaded -> Recovering -> Started -> {Checkpointing -> Started}* ->
// Unloading -> Unloaded, and Started -> Faulted. Every transition logs a
// record before and after the status changes, both carrying the old and
// new status and the caller.
type StateManager struct {
	mu            sync.Mutex
	status        Status
	unloadPending bool
	sink          telemetry.Sink
}

// NewStateManager creates a manager in Unloaded.
func NewStateManager(sink telemetry.Sink) *StateManager {
	return &StateManager{sink: telemetry.OrNop(sink)}
}

// Status returns the current status.
func (m *StateManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// UnloadPending reports whether an unload was requested.
func (m *StateManager) UnloadPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadPending
}

// BeginRecovery moves Unloaded to Recovering.
func (m *StateManager) BeginRecovery(caller string) error {
	return m.transition("begin_recovery", caller, StatusRecovering, StatusUnloaded)
}

// EndRecovery moves Recovering to Started, or to Faulted when err is set.
func (m *StateManager) EndRecovery(caller string, err error) error {
	if err != nil {
		return m.transition("end_recovery", caller, StatusFaulted, StatusRecovering)
	}
	return m.transition("end_recovery", caller, StatusStarted, StatusRecovering)
}

// BeginCheckpoint moves Started to Checkpointing.
func (m *StateManager) BeginCheckpoint(caller string) error {
	return m.transition("begin_checkpoint", caller, StatusCheckpointing, StatusStarted)
}

// EndCheckpoint moves Checkpointing back to Started. A failed checkpoint
// does not fault the engine.
func (m *StateManager) EndCheckpoint(caller string) error {
	return m.transition("end_checkpoint", caller, StatusStarted, StatusCheckpointing)
}

// BeginUnload moves Started or Faulted to Unloading.
func (m *StateManager) BeginUnload(caller string) error {
	return m.transition("begin_unload", caller, StatusUnloading, StatusStarted, StatusFaulted)
}

// EndUnload moves Unloading to Unloaded and clears a pending unload request.
func (m *StateManager) EndUnload(caller string) error {
	err := m.transition("end_unload", caller, StatusUnloaded, StatusUnloading)
	if err == nil {
		m.mu.Lock()
		m.unloadPending = false
		m.mu.Unlock()
	}
	return err
}

// Fault moves Started to Faulted.
func (m *StateManager) Fault(caller string) error {
	return m.transition("fault", caller, StatusFaulted, StatusStarted)
}

// RequestUnload records that an unload is wanted. Continuations asking
// ShouldResume are suppressed from then on.
func (m *StateManager) RequestUnload(caller string) {
	m.mu.Lock()
	m.unloadPending = true
	status := m.status
	m.mu.Unlock()
	slog.Info("unload requested", "caller", caller, "status", status.String())
}

// ShouldResume reports whether work paused for a checkpoint may continue.
// It refuses while an unload is pending or the engine is not Started.
func (m *StateManager) ShouldResume(caller string) bool {
	m.mu.Lock()
	pending, status := m.unloadPending, m.status
	m.mu.Unlock()
	if !pending && status == StatusStarted {
		return true
	}
	m.sink.Record(context.Background(), telemetry.Event{
		Name:      telemetry.EventContinuationSuppressed,
		Component: "engine",
		Level:     slog.LevelInfo,
		Message:   "scheduler continuation suppressed",
		Attrs: []slog.Attr{
			slog.String("caller", caller),
			slog.String("status", status.String()),
			slog.Bool("unload_pending", pending),
		},
	})
	return false
}

func (m *StateManager) transition(op, caller string, to Status, from ...Status) error {
	m.mu.Lock()
	old := m.status
	allowed := false
	for _, f := range from {
		if old == f {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		slog.Warn("state transition rejected", "op", op, "caller", caller, "status", old.String())
		return artifact.NewInvalidStateTransitionError(op, old.String())
	}
	slog.Debug("state transition started", "op", op, "caller", caller, "old", old.String(), "new", to.String())
	m.status = to
	m.mu.Unlock()

	slog.Debug("state transition completed", "op", op, "caller", caller, "old", old.String(), "new", to.String())
	m.sink.Record(context.Background(), telemetry.Event{
		Name:      telemetry.EventStateTransition,
		Component: "engine",
		Level:     slog.LevelDebug,
		Message:   "state transition",
		Attrs: []slog.Attr{
			slog.String("op", op),
			slog.String("caller", caller),
			slog.String("old", old.String()),
			slog.String("new", to.String()),
		},
	})
	return nil
}
