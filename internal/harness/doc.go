// Package harness runs recovery scenarios against a real engine.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: restart_round_trip
//	description: "Log tail survives a restart"
//	mitigation: skip
//	steps:
//	  - action: new
//	    kind: observable
//	    uri: rx://o
//	    expression: o
//	  - action: checkpoint
//	  - action: restart
//	  - action: expect
//	    kind: observable
//	    uri: rx://o
//	    present: true
//	assertions:
//	  - type: registry_contains
//	    kind: observable
//	    uri: rx://o
//
// # Step Actions
//
//   - new, remove: registry commands through the engine
//   - bridge: create a bridge under an outer subscription
//   - checkpoint, restart, gc: lifecycle operations
//   - fail_start: make later starts of a URI fail
//   - corrupt: corrupt a persisted state or definition blob
//   - expect: check presence of an artifact
//
// # Assertion Types
//
//   - trace_count: the number of steps with an action
//   - trace_order: actions appear in order
//   - registry_contains, registry_absent: final registry membership
//   - registry_count: the number of artifacts of a kind
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory BadgerDB store, sequential bridge and
// instance ids (testutil.SequentialIDs) and a fake operator starter, so the
// same scenario always yields a byte-identical trace for golden comparison.
package harness
