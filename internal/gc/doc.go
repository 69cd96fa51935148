// Package gc implements mark-sweep garbage collection of registry artifacts.
//
// Every artifact that is not an Observable is a root. Mark walks
// Definition.Uses from the roots; the sweep deletes unreached Observables in
// bounded iterations, re-marking under the registry write lock before each
// batch so entities created or referenced concurrently are never removed.
package gc
