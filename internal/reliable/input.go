// Package reliable implements subscription inputs that resume from an
// acknowledged sequence number after recovery.
//
// An Input tracks the last sequence number observed from its upstream. A
// checkpoint captures that number in the input's state; only after the
// checkpoint is durable does the input acknowledge the captured range
// upstream. On restart the input asks the upstream to replay from the last
// acknowledged sequence.
package reliable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/reaqtor/internal/telemetry"
)

const component = "reliable"

// Upstream is the reliable source feeding an Input.
type Upstream interface {
	// Start asks the source to deliver events after sequence seq.
	Start(ctx context.Context, seq uint64) error
	// AcknowledgeRange tells the source every event up to seq is durable.
	AcknowledgeRange(ctx context.Context, seq uint64) error
}

// State is the persisted form of an Input.
type State struct {
	Instance string `json:"instance"`
	Sequence uint64 `json:"sequence"`
}

// EncodeState serializes s.
func EncodeState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeState parses state written by EncodeState.
func DecodeState(data []byte) (State, error) {
	var s State
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return State{}, fmt.Errorf("decode reliable state: %w", err)
	}
	if s.Instance == "" {
		return State{}, fmt.Errorf("decode reliable state: instance is required")
	}
	return s, nil
}

// Input is the reliable input of one subscription.
type Input struct {
	uri      string
	instance string
	upstream Upstream
	sink     telemetry.Sink

	mu        sync.Mutex
	lastSeen  uint64
	lastAcked uint64
	captured  uint64
}

// NewInput creates an input that resumes after acked.
func NewInput(uri, instance string, up Upstream, acked uint64, sink telemetry.Sink) *Input {
	return &Input{
		uri:       uri,
		instance:  instance,
		upstream:  up,
		sink:      telemetry.OrNop(sink),
		lastSeen:  acked,
		lastAcked: acked,
		captured:  acked,
	}
}

// URI returns the subscription URI.
func (in *Input) URI() string { return in.uri }

// Instance returns the input instance id.
func (in *Input) Instance() string { return in.instance }

// Start sends Start(lastAcknowledged) upstream.
func (in *Input) Start(ctx context.Context) error {
	in.mu.Lock()
	seq := in.lastAcked
	in.mu.Unlock()
	if err := in.upstream.Start(ctx, seq); err != nil {
		return fmt.Errorf("start reliable input %s at %d: %w", in.uri, seq, err)
	}
	return nil
}

// OnNext records that the event with sequence seq was observed. Sequences
// at or below the last observed one are ignored.
func (in *Input) OnNext(seq uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if seq > in.lastSeen {
		in.lastSeen = seq
	}
}

// SaveState captures the last observed sequence for a checkpoint.
func (in *Input) SaveState() ([]byte, error) {
	in.mu.Lock()
	in.captured = in.lastSeen
	s := State{Instance: in.instance, Sequence: in.captured}
	in.mu.Unlock()
	return EncodeState(s)
}

// Committed acknowledges the sequence captured by the last SaveState. Call
// it only once the checkpoint holding that state is durable. Acks never
// decrease and never exceed the last observed sequence.
func (in *Input) Committed(ctx context.Context) error {
	in.mu.Lock()
	seq := in.captured
	if seq <= in.lastAcked || seq > in.lastSeen {
		in.mu.Unlock()
		return nil
	}
	in.mu.Unlock()

	if err := in.upstream.AcknowledgeRange(ctx, seq); err != nil {
		in.sink.Record(ctx, telemetry.Event{
			Name:      telemetry.EventReliableAcknowledgeFailed,
			Component: component,
			Level:     slog.LevelWarn,
			Message:   "acknowledge failed",
			Attrs: []slog.Attr{
				slog.String("uri", in.uri),
				slog.Uint64("sequence", seq),
				slog.String("error", err.Error()),
			},
		})
		return fmt.Errorf("acknowledge %s up to %d: %w", in.uri, seq, err)
	}

	in.mu.Lock()
	if seq > in.lastAcked {
		in.lastAcked = seq
	}
	in.mu.Unlock()

	in.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventReliableAcknowledged,
		Component: component,
		Level:     slog.LevelDebug,
		Message:   "range acknowledged",
		Attrs: []slog.Attr{
			slog.String("uri", in.uri),
			slog.Uint64("sequence", seq),
		},
	})
	return nil
}

// LastSeen returns the last observed sequence.
func (in *Input) LastSeen() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastSeen
}

// LastAcknowledged returns the last acknowledged sequence.
func (in *Input) LastAcknowledged() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastAcked
}
