package store

import (
	"context"
	"sort"

	"github.com/zseilabs/zsei/internal/cache"
	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

// PutEdge links child under parent with a relation type. Ordinals are
// assigned per (parent, relation) in insertion order and fix the child
// ordering for traversal. Re-adding an existing edge returns it unchanged.
//
// The edge is appended to children.bin first, then parents.bin; a crash
// between the two commits is healed by the open-time reconcile.
func (s *Store) PutEdge(ctx context.Context, parent, child model.ContainerID, relation string) (model.Edge, error) {
	if err := ctx.Err(); err != nil {
		return model.Edge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Edge{}, ErrClosed
	}
	if len(relation) > recio.MaxRelationLen {
		return model.Edge{}, ErrRelationTooLong
	}
	if !s.Exists(parent) || !s.Exists(child) {
		return model.Edge{}, ErrNotFound
	}

	s.stateMu.RLock()
	var next uint32
	var existing *model.Edge
	if rels := s.childAdj[parent]; rels != nil {
		for _, e := range rels[relation] {
			if e.Child == child {
				ecopy := e
				existing = &ecopy
			}
			if e.Ordinal >= next {
				next = e.Ordinal + 1
			}
		}
	}
	s.stateMu.RUnlock()
	if existing != nil {
		return *existing, nil
	}

	e := model.Edge{Parent: parent, Child: child, Relation: relation, Ordinal: next}
	if _, err := s.children.w.Append(recio.EncodeEdge(parent, e, false)); err != nil {
		s.children.w.Discard()
		return model.Edge{}, err
	}
	if err := s.commitAndRefresh(s.children); err != nil {
		return model.Edge{}, err
	}
	if _, err := s.parents.w.Append(recio.EncodeEdge(child, e, false)); err != nil {
		s.parents.w.Discard()
		return model.Edge{}, err
	}
	if err := s.commitAndRefresh(s.parents); err != nil {
		return model.Edge{}, err
	}

	s.stateMu.Lock()
	s.insertEdgeLocked(e)
	s.stateMu.Unlock()
	s.hotCache.InvalidateContainer(parent)
	return e, nil
}

// DeleteEdge removes a link. Tombstones go to both adjacency files in the
// same order as PutEdge.
func (s *Store) DeleteEdge(ctx context.Context, parent, child model.ContainerID, relation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.stateMu.RLock()
	var found *model.Edge
	if rels := s.childAdj[parent]; rels != nil {
		for _, e := range rels[relation] {
			if e.Child == child {
				ecopy := e
				found = &ecopy
				break
			}
		}
	}
	s.stateMu.RUnlock()
	if found == nil {
		return ErrNotFound
	}

	if _, err := s.children.w.Append(recio.EncodeEdge(parent, *found, true)); err != nil {
		s.children.w.Discard()
		return err
	}
	if err := s.commitAndRefresh(s.children); err != nil {
		return err
	}
	if _, err := s.parents.w.Append(recio.EncodeEdge(child, *found, true)); err != nil {
		s.parents.w.Discard()
		return err
	}
	if err := s.commitAndRefresh(s.parents); err != nil {
		return err
	}

	s.stateMu.Lock()
	s.removeEdgeLocked(*found)
	s.stateMu.Unlock()
	s.hotCache.InvalidateContainer(parent)
	return nil
}

// GetChildren returns a parent's child ids. With a relation the order is
// by ordinal; with an empty relation all relations are merged, ordered by
// (relation, ordinal). Results pass through the hot-path cache.
func (s *Store) GetChildren(ctx context.Context, parent model.ContainerID, relation string) ([]model.ContainerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Exists(parent) {
		return nil, ErrNotFound
	}

	key := cache.Key{ID: parent, Relation: relation}
	if ids, ok := s.hotCache.Get(key); ok {
		return ids, nil
	}

	s.stateMu.RLock()
	var ids []model.ContainerID
	if rels := s.childAdj[parent]; rels != nil {
		if relation != "" {
			for _, e := range rels[relation] {
				ids = append(ids, e.Child)
			}
		} else {
			names := make([]string, 0, len(rels))
			for name := range rels {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				for _, e := range rels[name] {
					ids = append(ids, e.Child)
				}
			}
		}
	}
	s.stateMu.RUnlock()

	s.hotCache.Set(key, ids)
	return ids, nil
}

// ChildEdges returns the full edges under a parent, every relation, in
// (relation, ordinal) order. Traversal uses it for relation filtering.
func (s *Store) ChildEdges(ctx context.Context, parent model.ContainerID) ([]model.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	rels := s.childAdj[parent]
	if rels == nil {
		return nil, nil
	}
	names := make([]string, 0, len(rels))
	for name := range rels {
		names = append(names, name)
	}
	sort.Strings(names)
	var edges []model.Edge
	for _, name := range names {
		edges = append(edges, rels[name]...)
	}
	return edges, nil
}

// GetParents returns a child's parent ids ordered by (relation, ordinal,
// parent id).
func (s *Store) GetParents(ctx context.Context, child model.ContainerID) ([]model.ContainerID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Exists(child) {
		return nil, ErrNotFound
	}

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	lst := s.parentAdj[child]
	ids := make([]model.ContainerID, 0, len(lst))
	for _, e := range lst {
		ids = append(ids, e.Parent)
	}
	return ids, nil
}

// ParentEdges returns the full edges pointing at a child.
func (s *Store) ParentEdges(ctx context.Context, child model.ContainerID) ([]model.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	lst := s.parentAdj[child]
	edges := make([]model.Edge, len(lst))
	copy(edges, lst)
	return edges, nil
}
