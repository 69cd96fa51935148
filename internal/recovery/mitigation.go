package recovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/reaqtor/internal/artifact"
)

// Strategy is what recovery does with an entity that failed to start.
type Strategy int

const (
	// Skip leaves the entity registered but not running.
	Skip Strategy = iota
	// Quarantine moves the persisted records aside and removes the entity.
	Quarantine
	// RetryOnce starts the entity a second time.
	RetryOnce
	// Delete removes the entity.
	Delete
)

var strategyNames = map[Strategy]string{
	Skip:       "skip",
	Quarantine: "quarantine",
	RetryOnce:  "retry_once",
	Delete:     "delete",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy parses a strategy name. Matching ignores case and accepts
// "-" for "_".
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(s), "-", "_")
	for st, n := range strategyNames {
		if n == norm {
			return st, nil
		}
	}
	return Skip, fmt.Errorf("unknown mitigation strategy %q", s)
}

// Rule maps URIs matching Pattern to a strategy.
type Rule struct {
	Pattern  string
	Strategy Strategy
}

type compiledRule struct {
	re       *regexp.Regexp
	strategy Strategy
}

// MitigationTable resolves the strategy for an entity URI. Rules are tried
// in order and the first match wins.
type MitigationTable struct {
	rules []compiledRule
	def   Strategy
}

// NewMitigationTable compiles rules. An invalid pattern fails with a
// RegexInvalid error.
func NewMitigationTable(def Strategy, rules ...Rule) (*MitigationTable, error) {
	t := &MitigationTable{def: def, rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, artifact.NewRegexInvalidError(r.Pattern, err)
		}
		t.rules = append(t.rules, compiledRule{re: re, strategy: r.Strategy})
	}
	return t, nil
}

// Lookup returns the strategy for uri.
func (t *MitigationTable) Lookup(uri string) Strategy {
	if t == nil {
		return Skip
	}
	for _, r := range t.rules {
		if r.re.MatchString(uri) {
			return r.strategy
		}
	}
	return t.def
}
