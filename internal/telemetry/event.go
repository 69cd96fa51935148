package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event names recorded by the persistence core.
const (
	EventStateOperationWarning     = "StateOperation_Warning"
	EventLogAppend                 = "LogAppend"
	EventLogCoalesced              = "LogCoalesced"
	EventLogCheckpoint             = "LogCheckpoint"
	EventLogGCCompleted            = "LogGCCompleted"
	EventLogGCFailure              = "LogGCFailure"
	EventLostVersionReference      = "LostVersionReference"
	EventCheckpointEntityFailed    = "CheckpointEntityFailed"
	EventCheckpointCategory        = "CheckpointCategory"
	EventCheckpointCompleted       = "CheckpointCompleted"
	EventRecoveryEntityFailed      = "RecoveryEntityFailed"
	EventRecoveredWithoutState     = "RecoveredWithoutState"
	EventReplayEntryFailed         = "ReplayEntryFailed"
	EventCanaryMissing             = "CanaryMissing"
	EventStartFailed               = "StartFailed"
	EventMitigationApplied         = "MitigationApplied"
	EventMitigationFailure         = "MitigationFailure"
	EventRecoveryCompleted         = "RecoveryCompleted"
	EventGCDisabled                = "GCDisabled"
	EventMarkCompleted             = "MarkCompleted"
	EventSweepCompleted            = "SweepCompleted"
	EventStateTransition           = "StateTransition"
	EventContinuationSuppressed    = "SchedulerContinuationSuppressed"
	EventBridgeDisposeWarning      = "BridgeDisposeWarning"
	EventReliableAcknowledged      = "ReliableAcknowledged"
	EventReliableAcknowledgeFailed = "ReliableAcknowledgeFailed"
)

// Event is one structured telemetry record.
type Event struct {
	Name      string
	Component string
	Level     slog.Level
	Message   string

	// Duration is observed by metrics sinks when non-zero.
	Duration time.Duration

	Attrs []slog.Attr
}

// Attr returns the value of the named attribute, if present.
func (e Event) Attr(key string) (slog.Value, bool) {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return slog.Value{}, false
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

// Multi fans each event out to every sink in order.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, ev)
		}
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Recorder keeps every event in memory. Used by tests and the scenario
// harness to assert on what the core reported.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
