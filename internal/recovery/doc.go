// Package recovery rebuilds a registry from a checkpoint and the transaction
// log, then starts the recovered operators.
//
// A Pipeline runs once, in three phases:
//
//  1. Load: every kind's definitions and state are read concurrently and
//     inserted in fixed kind order. Unreadable definitions become
//     placeholders; unreadable state leaves the entity without state.
//  2. Replay: log entries after the checkpoint marker are applied in version
//     order. Bad entries are reported and skipped.
//  3. Start: streams, then subscriptions, then reliable subscriptions. A
//     start failure is handled by the strategy the MitigationTable returns
//     for the entity URI.
package recovery
