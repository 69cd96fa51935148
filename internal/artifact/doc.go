// Package artifact defines the durable artifacts hosted by a query engine
// and the error taxonomy shared by every persistence component.
//
// This package is the foundational layer: all other internal packages import
// artifact; artifact imports nothing internal.
//
// Key design constraints:
//   - Kind is a closed enumeration; every switch over it is exhaustive
//   - Definitions are immutable after creation; only runtime State changes
//   - Persisted definitions use canonical JSON (sorted keys, NFC strings, no
//     floats) so identical definitions always produce identical bytes
//   - JSON tags use snake_case
package artifact
