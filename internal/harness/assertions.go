package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/reaqtor/internal/artifact"
)

// RegistryView is the part of a registry that assertions inspect.
type RegistryView interface {
	TryGet(kind artifact.Kind, key string) (*artifact.Artifact, bool)
	Counts() map[artifact.Kind]int
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Action)
			if ev.URI != "" {
				fmt.Fprintf(&buf, " %s %s", ev.Kind, ev.URI)
			}
			fmt.Fprintf(&buf, " -> %s\n", ev.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages. An empty slice means all assertions held.
func EvaluateAssertions(result *Result, assertions []Assertion, reg RegistryView) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, reg); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(trace []TraceEvent, a Assertion, reg RegistryView) error {
	switch a.Type {
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertRegistryContains:
		return assertRegistryMembership(trace, a, reg, true)
	case AssertRegistryAbsent:
		return assertRegistryMembership(trace, a, reg, false)
	case AssertRegistryCount:
		return assertRegistryCount(trace, a, reg)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceCount checks that the action ran exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Action == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that actions appear in the given order.
// Actions don't need to be consecutive; each expected action is matched
// after the previous match, so repeated actions are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, want := range a.Actions {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Action == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual:   fmt.Sprintf("%s not found after position %d", want, pos),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertRegistryMembership(trace []TraceEvent, a Assertion, reg RegistryView, want bool) error {
	kind, err := artifact.ParseKind(a.Kind)
	if err != nil {
		return err
	}
	_, present := reg.TryGet(kind, a.URI)
	if present == want {
		return nil
	}
	typ, expected, actual := AssertRegistryContains, "registered", "absent"
	if !want {
		typ, expected, actual = AssertRegistryAbsent, "absent", "registered"
	}
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("%s %s %s", a.Kind, a.URI, expected),
		Actual:   actual,
		Trace:    trace,
	}
}

func assertRegistryCount(trace []TraceEvent, a Assertion, reg RegistryView) error {
	kind, err := artifact.ParseKind(a.Kind)
	if err != nil {
		return err
	}
	if got := reg.Counts()[kind]; got != a.Count {
		return &AssertionError{
			Type:     AssertRegistryCount,
			Expected: fmt.Sprintf("%d %s artifacts", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d", got),
			Trace:    trace,
		}
	}
	return nil
}
