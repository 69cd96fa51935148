package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/checkpoint"
	"github.com/roach88/reaqtor/internal/engine"
	"github.com/roach88/reaqtor/internal/recovery"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
	"github.com/roach88/reaqtor/internal/testutil"
)

// Harness owns the store and fakes of one scenario run. The engine is
// replaced on every restart step; the store survives it.
type Harness struct {
	scenario *Scenario

	backend *store.Badger
	store   *testutil.FaultyStore
	starter *testutil.FakeStarter
	ids     *testutil.SequentialIDs
	events  *telemetry.Recorder

	mitigations *recovery.MitigationTable
	mode        checkpoint.Mode

	eng *engine.Engine
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store. The returned error
// covers setup problems only; step mismatches and failed assertions are
// reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.eng.Registry()) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	table, err := scenario.mitigationTable()
	if err != nil {
		return nil, fmt.Errorf("mitigations: %w", err)
	}
	mode := checkpoint.ModeFull
	if scenario.CheckpointMode != "" {
		if mode, err = checkpoint.ParseMode(scenario.CheckpointMode); err != nil {
			return nil, err
		}
	}

	backend, err := store.OpenBadger(store.InMemoryBadgerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		scenario:    scenario,
		backend:     backend,
		store:       testutil.NewFaultyStore(backend),
		starter:     testutil.NewFakeStarter(),
		ids:         testutil.NewSequentialIDs("id"),
		events:      &telemetry.Recorder{},
		mitigations: table,
		mode:        mode,
	}
	if err := h.boot(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	if _, err := h.eng.Recover(ctx); err != nil {
		h.close()
		return nil, fmt.Errorf("initial recovery: %w", err)
	}
	return h, nil
}

// boot builds a new engine over the harness store. The engine starts
// Unloaded.
func (h *Harness) boot(ctx context.Context) error {
	eng, err := engine.New(ctx, h.store,
		engine.WithStarter(h.starter),
		engine.WithMitigations(h.mitigations),
		engine.WithCheckpointMode(h.mode),
		engine.WithIDs(h.ids),
		engine.WithSink(h.events))
	if err != nil {
		return err
	}
	h.eng = eng
	return nil
}

func (h *Harness) close() {
	if h.eng != nil {
		h.eng.Close()
	}
	_ = h.backend.Close()
}

func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	ev := TraceEvent{
		Action: step.Action,
		Kind:   step.Kind,
		URI:    step.URI,
	}

	var stepErr error
	switch step.Action {
	case ActionNew:
		stepErr = h.create(ctx, step)

	case ActionRemove:
		kind, _ := artifact.ParseKind(step.Kind)
		var removed bool
		removed, stepErr = h.eng.Remove(ctx, kind, step.URI)
		if stepErr == nil {
			ev.Present = &removed
		}

	case ActionBridge:
		b, err := h.eng.CreateBridge(ctx, step.URI, definitionOf(step))
		stepErr = err
		if err == nil {
			ev.Detail = b.ID
		}

	case ActionCheckpoint:
		report, err := h.eng.Checkpoint(ctx)
		stepErr = err
		if report != nil {
			total, skipped, failed := report.Totals()
			ev.Counts = map[string]int{
				"version": int(report.Version),
				"total":   total,
				"skipped": skipped,
				"failed":  failed,
			}
		}

	case ActionRestart:
		sum, err := h.restart(ctx)
		stepErr = err
		if sum != nil {
			ev.Counts = summaryCounts(sum)
		}

	case ActionGC:
		res, err := h.eng.CollectGarbage(ctx)
		stepErr = err
		if res != nil {
			ev.Counts = map[string]int{"swept": res.Operations}
		}

	case ActionFailStart:
		h.starter.FailOn(step.URI, nil)

	case ActionCorrupt:
		kind, _ := artifact.ParseKind(step.Kind)
		category := checkpoint.StateCategory(kind)
		if step.Target == "definition" {
			category = checkpoint.DefinitionsCategory(kind)
		}
		h.store.Corrupt(category, step.URI)

	case ActionExpect:
		kind, _ := artifact.ParseKind(step.Kind)
		_, present := h.eng.Get(kind, step.URI)
		ev.Present = &present
		if present != *step.Present {
			result.AddError(fmt.Sprintf("steps[%d]: expected %s %s present=%t, got %t",
				index, step.Kind, step.URI, *step.Present, present))
		}

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}

	ev.Outcome = outcomeOf(stepErr)
	want := step.Error
	if want == "" {
		want = OutcomeOK
	}
	if ev.Outcome != want {
		msg := fmt.Sprintf("steps[%d]: %s %s: expected %s, got %s", index, step.Action, step.URI, want, ev.Outcome)
		if stepErr != nil {
			msg += ": " + stepErr.Error()
		}
		result.AddError(msg)
	}
	result.addTrace(ev)
	return nil
}

func (h *Harness) create(ctx context.Context, step Step) error {
	kind, _ := artifact.ParseKind(step.Kind)
	if _, err := h.eng.Create(ctx, kind, step.URI, definitionOf(step)); err != nil {
		return err
	}
	if step.State != "" {
		return h.eng.Registry().SetState(kind, step.URI, []byte(step.State))
	}
	return nil
}

// restart unloads the engine and recovers a new one from the same store,
// as a process restart would.
func (h *Harness) restart(ctx context.Context) (*recovery.Summary, error) {
	if err := h.eng.Unload(ctx); err != nil {
		return nil, fmt.Errorf("unload: %w", err)
	}
	h.eng.Close()
	if err := h.boot(ctx); err != nil {
		return nil, err
	}
	return h.eng.Recover(ctx)
}

func definitionOf(step Step) artifact.Definition {
	return artifact.Definition{
		Expression: step.Expression,
		Uses:       step.Uses,
		Reliable:   step.Reliable,
		Transient:  step.Transient,
	}
}

// summaryCounts flattens a recovery summary into per-run totals.
func summaryCounts(sum *recovery.Summary) map[string]int {
	counts := map[string]int{
		"replay_applied": sum.ReplayApplied,
		"replay_failed":  sum.ReplayFailed,
	}
	for _, k := range artifact.AllKinds {
		ks := sum.Kind(k)
		counts["loaded"] += ks.Loaded
		counts["load_failed"] += ks.LoadFailed
		counts["without_state"] += ks.RecoveredWithoutState
		counts["started"] += ks.Started
		counts["start_failed"] += ks.StartFailed
		counts["mitigated"] += ks.Mitigated
	}
	return counts
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, engine.ErrNotStarted):
		return "NOT_STARTED"
	}
	if code := artifact.CodeOf(err); code != "" {
		return string(code)
	}
	return OutcomeError
}
