package gc

import (
	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/registry"
)

// Key identifies an artifact across kinds.
type Key struct {
	Kind artifact.Kind
	URI  string
}

// IsRoot reports whether a is a mark root. Only Observables are ever swept,
// so every other kind is treated as a root.
func IsRoot(a *artifact.Artifact) bool {
	return a.Kind != artifact.KindObservable
}

// Mark returns the set of artifacts reachable from the roots of v.
//
// Nodes are laid out in an arena indexed by position; edges follow
// Definition.Uses by URI to every kind registered under that URI.
func Mark(v registry.View) map[Key]struct{} {
	nodes := v.All()
	index := make(map[string][]int, len(nodes))
	for i, a := range nodes {
		index[a.URI] = append(index[a.URI], i)
	}

	visited := make([]bool, len(nodes))
	stack := make([]int, 0, len(nodes))
	for i, a := range nodes {
		if IsRoot(a) {
			visited[i] = true
			stack = append(stack, i)
		}
	}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range nodes[n].Dependencies() {
			for _, j := range index[dep] {
				if !visited[j] {
					visited[j] = true
					stack = append(stack, j)
				}
			}
		}
	}

	live := make(map[Key]struct{}, len(nodes))
	for i, ok := range visited {
		if ok {
			live[Key{nodes[i].Kind, nodes[i].URI}] = struct{}{}
		}
	}
	return live
}
