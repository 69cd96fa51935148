package registry

import (
	"context"
	"slices"
	"strings"

	"github.com/roach88/reaqtor/internal/artifact"
)

// View is a consistent read-only view of the registry.
// Artifacts returned by a View must not be modified.
type View interface {
	Get(kind artifact.Kind, key string) (*artifact.Artifact, bool)
	// Lookup returns every artifact registered under uri, in kind order.
	Lookup(uri string) []*artifact.Artifact
	// All returns every artifact in kind order, then URI order.
	All() []*artifact.Artifact
}

// Snapshot is a deep copy of the registry taken at one instant.
type Snapshot struct {
	entities map[artifact.Kind]map[string]*artifact.Artifact
}

var _ View = (*Snapshot)(nil)

// Snapshot copies the whole registry under the read lock.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &Snapshot{entities: make(map[artifact.Kind]map[string]*artifact.Artifact, len(r.entities))}
	for k, m := range r.entities {
		cp := make(map[string]*artifact.Artifact, len(m))
		for key, a := range m {
			cp[key] = a.Clone()
		}
		s.entities[k] = cp
	}
	return s
}

// Get implements View.
func (s *Snapshot) Get(kind artifact.Kind, key string) (*artifact.Artifact, bool) {
	a, ok := s.entities[kind][key]
	return a, ok
}

// Lookup implements View.
func (s *Snapshot) Lookup(uri string) []*artifact.Artifact {
	return lookup(s.entities, uri)
}

// All implements View.
func (s *Snapshot) All() []*artifact.Artifact {
	return all(s.entities)
}

// Entities returns the artifacts of one kind ordered by URI.
func (s *Snapshot) Entities(kind artifact.Kind) []*artifact.Artifact {
	return sorted(s.entities[kind])
}

// Len returns the number of artifacts in the snapshot.
func (s *Snapshot) Len() int {
	n := 0
	for _, m := range s.entities {
		n += len(m)
	}
	return n
}

// Tx is the live view handed to Batch. It is only valid inside the batch
// function.
type Tx struct {
	r   *Registry
	ctx context.Context
}

var _ View = (*Tx)(nil)

// Batch runs fn under the registry write lock. Mutations made through tx
// are journaled like Remove. No other mutation can interleave with fn.
func (r *Registry) Batch(ctx context.Context, fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Tx{r: r, ctx: ctx})
}

// Get implements View.
func (tx *Tx) Get(kind artifact.Kind, key string) (*artifact.Artifact, bool) {
	a, ok := tx.r.entities[kind][key]
	return a, ok
}

// Lookup implements View.
func (tx *Tx) Lookup(uri string) []*artifact.Artifact {
	return lookup(tx.r.entities, uri)
}

// All implements View.
func (tx *Tx) All() []*artifact.Artifact {
	return all(tx.r.entities)
}

// Remove unregisters an artifact inside the batch.
func (tx *Tx) Remove(kind artifact.Kind, key string) (bool, error) {
	return tx.r.removeLocked(tx.ctx, kind, key)
}

func lookup(entities map[artifact.Kind]map[string]*artifact.Artifact, uri string) []*artifact.Artifact {
	var out []*artifact.Artifact
	for _, k := range artifact.AllKinds {
		if a, ok := entities[k][uri]; ok {
			out = append(out, a)
		}
	}
	return out
}

func all(entities map[artifact.Kind]map[string]*artifact.Artifact) []*artifact.Artifact {
	var out []*artifact.Artifact
	for _, k := range artifact.AllKinds {
		out = append(out, sorted(entities[k])...)
	}
	return out
}

func sorted(m map[string]*artifact.Artifact) []*artifact.Artifact {
	out := make([]*artifact.Artifact, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *artifact.Artifact) int {
		return strings.Compare(a.URI, b.URI)
	})
	return out
}
