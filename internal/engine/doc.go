// Package engine hosts a reactive query engine's registry and drives its
// lifecycle: recovery, checkpoints, unload and garbage collection.
//
// LIFECYCLE:
//
// A StateManager serializes the long-running operations. An engine starts
// Unloaded, becomes Started after Recover, and moves through Checkpointing
// while a checkpoint runs. A Recover that fails leaves it Faulted; Unload
// is the only way out of Faulted.
//
// SCHEDULING:
//
// Work queued with Schedule runs in FIFO order on Run. The scheduler is
// paused for the duration of a checkpoint and resumed only if the
// StateManager allows it, so an unload requested mid-checkpoint suppresses
// the continuation.
//
// COMMANDS:
//
// Create, Remove and Get (or Dispatch with a Command) mutate the registry.
// Every mutation is journaled to the transaction log before it is applied,
// so a crash between checkpoints loses nothing that was acknowledged.
package engine
