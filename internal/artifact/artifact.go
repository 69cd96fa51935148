package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Definition is the immutable description of an artifact.
//
// Expression is opaque to the persistence layer; it is produced and
// interpreted by the expression evaluator. Uses lists the URIs of the
// artifacts the expression references and drives reachability for GC.
type Definition struct {
	Expression string         `json:"expression"`
	Uses       []string       `json:"uses,omitempty"`
	Params     map[string]any `json:"params,omitempty"`

	// Reliable marks a subscription that resumes from an acknowledged
	// sequence number after recovery.
	Reliable bool `json:"reliable,omitempty"`

	// Transient artifacts live only in memory and are never checkpointed.
	Transient bool `json:"transient,omitempty"`
}

// Validate checks the structural requirements of a definition.
func (d Definition) Validate() error {
	if d.Expression == "" {
		return fmt.Errorf("definition expression is required")
	}
	seen := make(map[string]struct{}, len(d.Uses))
	for i, u := range d.Uses {
		if u == "" {
			return fmt.Errorf("uses[%d]: empty reference", i)
		}
		if _, dup := seen[u]; dup {
			return fmt.Errorf("uses[%d]: duplicate reference %q", i, u)
		}
		seen[u] = struct{}{}
	}
	return nil
}

// Stateful is implemented by running operators whose state is captured
// at checkpoint time.
type Stateful interface {
	SaveState() ([]byte, error)
}

// Artifact is a registry entry: a definition, optional runtime state and
// the bookkeeping flags the persistence pipelines act on.
type Artifact struct {
	URI        string
	Kind       Kind
	Definition Definition

	// State holds the last known serialized runtime state. Nil when the
	// operator has none or it was lost during recovery.
	State []byte

	// Placeholder entries stand in for definitions that could not be
	// resolved. They have no runtime behavior.
	Placeholder bool
	Reason      string

	// Runtime is the live operator, when started. Not persisted.
	Runtime Stateful
}

// NewPlaceholder returns a placeholder artifact for uri.
func NewPlaceholder(kind Kind, uri, reason string) *Artifact {
	return &Artifact{URI: uri, Kind: kind, Placeholder: true, Reason: reason}
}

// Dependencies returns the URIs this artifact references.
func (a *Artifact) Dependencies() []string {
	return a.Definition.Uses
}

// Transient reports whether the artifact is excluded from checkpoints.
func (a *Artifact) Transient() bool {
	return a.Definition.Transient
}

// Clone returns a copy that shares no mutable slices or maps with a.
// The Runtime handle is shared.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Definition.Uses = slices.Clone(a.Definition.Uses)
	if a.Definition.Params != nil {
		c.Definition.Params = make(map[string]any, len(a.Definition.Params))
		for k, v := range a.Definition.Params {
			c.Definition.Params[k] = v
		}
	}
	c.State = bytes.Clone(a.State)
	return &c
}

// record is the persisted shape of an artifact definition.
type record struct {
	URI         string     `json:"uri"`
	Kind        Kind       `json:"kind"`
	Definition  Definition `json:"definition"`
	Placeholder bool       `json:"placeholder,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// EncodeRecord serializes the definition part of an artifact to canonical
// JSON. Runtime state is not included.
func EncodeRecord(a *Artifact) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("encode record: nil artifact")
	}
	if !a.Kind.IsValid() {
		return nil, fmt.Errorf("encode record %s: invalid kind %d", a.URI, uint8(a.Kind))
	}
	obj := map[string]any{
		"uri":        a.URI,
		"kind":       a.Kind.String(),
		"definition": definitionMap(a.Definition),
	}
	if a.Placeholder {
		obj["placeholder"] = true
	}
	if a.Reason != "" {
		obj["reason"] = a.Reason
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", a.URI, err)
	}
	return data, nil
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(data []byte) (*Artifact, error) {
	var r record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.URI == "" {
		return nil, fmt.Errorf("decode record: uri is required")
	}
	if !r.Placeholder {
		if err := r.Definition.Validate(); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", r.URI, err)
		}
	}
	return &Artifact{
		URI:         r.URI,
		Kind:        r.Kind,
		Definition:  r.Definition,
		Placeholder: r.Placeholder,
		Reason:      r.Reason,
	}, nil
}

func definitionMap(d Definition) map[string]any {
	m := map[string]any{"expression": d.Expression}
	if len(d.Uses) > 0 {
		uses := make([]any, len(d.Uses))
		for i, u := range d.Uses {
			uses[i] = u
		}
		m["uses"] = uses
	}
	if len(d.Params) > 0 {
		m["params"] = d.Params
	}
	if d.Reliable {
		m["reliable"] = true
	}
	if d.Transient {
		m["transient"] = true
	}
	return m
}
