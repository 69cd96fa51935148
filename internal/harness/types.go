package harness

// Step outcomes besides error codes.
const (
	OutcomeOK    = "OK"
	OutcomeError = "ERROR"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int    `json:"seq"`
	Action string `json:"action"`
	Kind   string `json:"kind,omitempty"`
	URI    string `json:"uri,omitempty"`

	// Outcome is OK, the artifact error code of a failure, or ERROR for
	// failures without a code.
	Outcome string `json:"outcome"`

	// Counts holds the numbers a lifecycle step reported, such as the
	// checkpoint totals or the recovery summary.
	Counts map[string]int `json:"counts,omitempty"`

	// Present is the observed presence for expect steps.
	Present *bool `json:"present,omitempty"`

	// Detail carries step-specific text, for example a bridge id.
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step matched its expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addTrace appends ev with the next sequence number.
func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
