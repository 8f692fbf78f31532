// Package traverse implements bounded breadth-first traversal over the
// parent/child graph. Results stream as an iterator in deterministic
// order: depth first, then ascending container id within a depth.
package traverse

import (
	"context"
	"errors"
	"iter"
	"sort"

	"github.com/zseilabs/zsei/model"
)

// ErrRootNotFound is returned when the traversal root does not exist or is
// quarantined.
var ErrRootNotFound = errors.New("traverse: root container not found")

// Graph is the adjacency view traversal runs against.
type Graph interface {
	Exists(id model.ContainerID) bool
	ChildEdges(ctx context.Context, parent model.ContainerID) ([]model.Edge, error)
}

// Options bounds a traversal.
type Options struct {
	// MaxDepth limits how far from the root to walk. 0 yields only the
	// root; negative means unbounded.
	MaxDepth int

	// MaxResults caps the number of visits yielded. <= 0 means unbounded.
	MaxResults int

	// Relation restricts which edges are followed. Empty follows all.
	Relation string
}

// BFS streams visits from root in breadth-first order. Cycles are broken
// by a visited set; each container is yielded at its shallowest depth.
// Containers that vanished or were quarantined mid-walk are skipped, not
// errors. The iterator honors ctx between nodes.
func BFS(ctx context.Context, g Graph, root model.ContainerID, opts Options) iter.Seq2[model.Visit, error] {
	return func(yield func(model.Visit, error) bool) {
		if !g.Exists(root) {
			yield(model.Visit{}, ErrRootNotFound)
			return
		}

		visited := map[model.ContainerID]struct{}{root: {}}
		frontier := []model.ContainerID{root}
		yielded := 0

		emit := func(id model.ContainerID, depth int) (cont bool) {
			if opts.MaxResults > 0 && yielded >= opts.MaxResults {
				return false
			}
			yielded++
			return yield(model.Visit{ID: id, Depth: depth}, nil)
		}

		for depth := 0; len(frontier) > 0; depth++ {
			sort.Slice(frontier, func(i, j int) bool {
				return model.CompareIDs(frontier[i], frontier[j]) < 0
			})
			for _, id := range frontier {
				if err := ctx.Err(); err != nil {
					yield(model.Visit{}, err)
					return
				}
				if !emit(id, depth) {
					return
				}
			}
			if opts.MaxDepth >= 0 && depth >= opts.MaxDepth {
				return
			}

			var next []model.ContainerID
			for _, id := range frontier {
				if err := ctx.Err(); err != nil {
					yield(model.Visit{}, err)
					return
				}
				edges, err := g.ChildEdges(ctx, id)
				if err != nil {
					yield(model.Visit{}, err)
					return
				}
				for _, e := range edges {
					if opts.Relation != "" && e.Relation != opts.Relation {
						continue
					}
					if _, seen := visited[e.Child]; seen {
						continue
					}
					if !g.Exists(e.Child) {
						continue
					}
					visited[e.Child] = struct{}{}
					next = append(next, e.Child)
				}
			}
			frontier = next
		}
	}
}

// Collect drains a traversal into a slice. Convenience for callers that do
// not need streaming.
func Collect(ctx context.Context, g Graph, root model.ContainerID, opts Options) ([]model.Visit, error) {
	var visits []model.Visit
	for v, err := range BFS(ctx, g, root, opts) {
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, nil
}
