// Package txlog implements the versioned transaction log of registry
// mutations.
//
// Every registry Add and Remove is appended here before it is applied, so
// recovery can replay what happened after the last checkpoint. Versions come
// from a logical Clock and start at 1 on a fresh log.
//
// A checkpoint pins the latest version with Hold, saves the registry, then
// commits a Marker at the pinned version. GarbageCollect afterwards purges
// entries the marker covers, as long as no reader or in-flight checkpoint
// still references them.
package txlog
