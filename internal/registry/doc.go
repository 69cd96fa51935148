// Package registry holds the artifacts hosted by a query engine, indexed by
// kind and URI.
//
// Every Add and Remove is journaled before it is applied: when the journal
// append fails the mutation fails and the registry is unchanged. Recovery
// loads checkpointed artifacts with Restore and replays journal entries with
// ApplyRecord; neither is journaled again.
//
// Readers get copies. Snapshot returns a consistent deep copy of the whole
// registry; Batch runs a function under the write lock with a live View and
// journaled removal, which is how the garbage collector re-validates
// liveness and deletes atomically with respect to concurrent mutations.
package registry
