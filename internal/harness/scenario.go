package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/recovery"
)

// Scenario is a scripted sequence of engine operations with assertions on
// the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Mitigation is the default recovery mitigation. Empty means skip.
	Mitigation string `yaml:"mitigation,omitempty"`

	// Mitigations are per-URI rules, first match wins.
	Mitigations []MitigationRule `yaml:"mitigations,omitempty"`

	// CheckpointMode is "full" (default) or "differential".
	CheckpointMode string `yaml:"checkpoint_mode,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// MitigationRule maps a URI pattern to a mitigation strategy.
type MitigationRule struct {
	Pattern  string `yaml:"pattern"`
	Strategy string `yaml:"strategy"`
}

// Step is one operation. Which fields apply depends on Action.
type Step struct {
	Action string `yaml:"action"`

	Kind       string   `yaml:"kind,omitempty"`
	URI        string   `yaml:"uri,omitempty"`
	Expression string   `yaml:"expression,omitempty"`
	Uses       []string `yaml:"uses,omitempty"`
	Reliable   bool     `yaml:"reliable,omitempty"`
	Transient  bool     `yaml:"transient,omitempty"`

	// State is recorded as the artifact's runtime state after new.
	State string `yaml:"state,omitempty"`

	// Target selects the blob corrupted by corrupt: "state" (default) or
	// "definition".
	Target string `yaml:"target,omitempty"`

	// Present is the expectation of an expect step.
	Present *bool `yaml:"present,omitempty"`

	// Error is the expected error code of a new or remove step, for
	// example DUPLICATE_KEY. Empty expects success.
	Error string `yaml:"error,omitempty"`
}

// Step actions.
const (
	ActionNew        = "new"
	ActionRemove     = "remove"
	ActionBridge     = "bridge"
	ActionCheckpoint = "checkpoint"
	ActionRestart    = "restart"
	ActionGC         = "gc"
	ActionFailStart  = "fail_start"
	ActionCorrupt    = "corrupt"
	ActionExpect     = "expect"
)

// Assertion validates the trace or the final registry.
type Assertion struct {
	// Type is one of trace_count, trace_order, registry_contains,
	// registry_absent, registry_count.
	Type string `yaml:"type"`

	// Action is the step action counted by trace_count.
	Action string `yaml:"action,omitempty"`

	// Actions is the expected order for trace_order.
	Actions []string `yaml:"actions,omitempty"`

	Kind  string `yaml:"kind,omitempty"`
	URI   string `yaml:"uri,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceCount       = "trace_count"
	AssertTraceOrder       = "trace_order"
	AssertRegistryContains = "registry_contains"
	AssertRegistryAbsent   = "registry_absent"
	AssertRegistryCount    = "registry_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if _, err := s.mitigationTable(); err != nil {
		return err
	}
	if s.CheckpointMode != "" && s.CheckpointMode != "full" && s.CheckpointMode != "differential" {
		return fmt.Errorf("checkpoint_mode: unknown mode %q", s.CheckpointMode)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	needsTarget := func() error {
		if _, err := artifact.ParseKind(step.Kind); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if step.URI == "" {
			return fmt.Errorf("steps[%d]: uri is required for %s", index, step.Action)
		}
		return nil
	}

	switch step.Action {
	case ActionNew:
		if step.Expression == "" {
			return fmt.Errorf("steps[%d]: expression is required for new", index)
		}
		return needsTarget()
	case ActionRemove:
		return needsTarget()
	case ActionExpect:
		if step.Present == nil {
			return fmt.Errorf("steps[%d]: present is required for expect", index)
		}
		return needsTarget()
	case ActionCorrupt:
		if step.Target != "" && step.Target != "state" && step.Target != "definition" {
			return fmt.Errorf("steps[%d]: unknown corrupt target %q", index, step.Target)
		}
		return needsTarget()
	case ActionBridge:
		if step.URI == "" || step.Expression == "" {
			return fmt.Errorf("steps[%d]: uri and expression are required for bridge", index)
		}
	case ActionFailStart:
		if step.URI == "" {
			return fmt.Errorf("steps[%d]: uri is required for fail_start", index)
		}
	case ActionCheckpoint, ActionRestart, ActionGC:
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertRegistryContains, AssertRegistryAbsent:
		if _, err := artifact.ParseKind(a.Kind); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.URI == "" {
			return fmt.Errorf("assertions[%d]: uri is required for %s", index, a.Type)
		}
	case AssertRegistryCount:
		if _, err := artifact.ParseKind(a.Kind); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) mitigationTable() (*recovery.MitigationTable, error) {
	def := recovery.Skip
	if s.Mitigation != "" {
		var err error
		if def, err = recovery.ParseStrategy(s.Mitigation); err != nil {
			return nil, fmt.Errorf("mitigation: %w", err)
		}
	}
	rules := make([]recovery.Rule, 0, len(s.Mitigations))
	for i, r := range s.Mitigations {
		st, err := recovery.ParseStrategy(r.Strategy)
		if err != nil {
			return nil, fmt.Errorf("mitigations[%d]: %w", i, err)
		}
		rules = append(rules, recovery.Rule{Pattern: r.Pattern, Strategy: st})
	}
	return recovery.NewMitigationTable(def, rules...)
}
