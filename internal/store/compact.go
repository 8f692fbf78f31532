package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zseilabs/zsei/internal/coldtier"
	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

// CompactStats reports what a compaction did.
type CompactStats struct {
	ContainersKept    int
	ContainersDropped int
	VersionsPruned    int
	VersionsMigrated  int
	EdgesDropped      int
}

// Compact rewrites the store: fully deleted containers and their edges are
// physically removed, version chains are pruned to MaxVersionsRetained,
// and with compression enabled every non-newest retained version moves to
// the cold tier. New files are built under .tmp names, fsynced and renamed
// into place, then the store reopens its read state.
//
// Compaction blocks mutations for its duration. Reads against the old
// snapshots stay valid across the swap; the superseded files are retired
// and freed when the store closes.
func (s *Store) Compact(ctx context.Context) (CompactStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CompactStats{}, ErrClosed
	}

	var stats CompactStats

	s.stateMu.RLock()
	ids := make([]model.ContainerID, 0, len(s.idx))
	for id := range s.idx {
		ids = append(ids, id)
	}
	s.stateMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return model.CompareIDs(ids[i], ids[j]) < 0 })

	tmpContainers := filepath.Join(s.opts.Dir, containersFile+".tmp")
	hotW, err := recio.OpenWriterTrunc(tmpContainers)
	if err != nil {
		return CompactStats{}, err
	}
	defer hotW.Close()

	useCold := s.opts.Compression != coldtier.CodecNone
	var coldW *coldtier.Writer
	tmpCold := filepath.Join(s.opts.Dir, coldFile+".tmp")
	if useCold {
		if coldW, err = coldtier.NewWriter(tmpCold, s.opts.Compression); err != nil {
			return CompactStats{}, err
		}
	}
	abort := func(err error) (CompactStats, error) {
		_ = os.Remove(tmpContainers)
		if coldW != nil {
			coldW.Abort()
		}
		return CompactStats{}, err
	}

	dropped := make(map[model.ContainerID]struct{})
	coldCount := 0

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}

		s.stateMu.RLock()
		st := s.idx[id]
		refs := append([]versionRef(nil), st.refs...)
		data := s.containers.snapshot()
		s.stateMu.RUnlock()

		_, alive := st.live()
		if !alive {
			// Tombstoned chain: physical removal.
			dropped[id] = struct{}{}
			stats.ContainersDropped++
			stats.VersionsPruned += len(refs)
			continue
		}

		kept := make([]versionRef, 0, len(refs))
		for _, ref := range refs {
			if !ref.tombstone {
				kept = append(kept, ref)
			} else {
				stats.VersionsPruned++
			}
		}
		if excess := len(kept) - s.opts.MaxVersionsRetained; excess > 0 {
			stats.VersionsPruned += excess
			kept = kept[excess:]
		}
		stats.ContainersKept++

		for i, ref := range kept {
			var r recio.Record
			if ref.off == coldOff {
				if s.cold == nil {
					return abort(fmt.Errorf("store: compact: cold ref for %s v%d without cold tier", id, ref.version))
				}
				if r, err = s.cold.Read(ctx, id, ref.version); err != nil {
					return abort(err)
				}
			} else {
				if r, err = recio.RecordAt(data, ref.off); err != nil {
					return abort(err)
				}
			}
			framed := recio.EncodeRaw(r)

			newest := i == len(kept)-1
			if newest || !useCold {
				if _, err = hotW.Append(framed); err != nil {
					return abort(err)
				}
			} else {
				if err = coldW.Add(id, ref.version, framed); err != nil {
					return abort(err)
				}
				stats.VersionsMigrated++
				coldCount++
			}
		}
	}

	// Adjacency: keep only edges between surviving containers.
	s.stateMu.RLock()
	var liveEdges []model.Edge
	for parent, rels := range s.childAdj {
		if _, gone := dropped[parent]; gone {
			continue
		}
		for _, lst := range rels {
			for _, e := range lst {
				if _, gone := dropped[e.Child]; gone {
					continue
				}
				liveEdges = append(liveEdges, e)
			}
		}
	}
	quarantinedIDs := make([]model.ContainerID, 0, len(s.quarantined))
	for id := range s.quarantined {
		if _, gone := dropped[id]; !gone {
			quarantinedIDs = append(quarantinedIDs, id)
		}
	}
	s.stateMu.RUnlock()

	s.stateMu.RLock()
	edgesBefore := 0
	for _, rels := range s.childAdj {
		for _, lst := range rels {
			edgesBefore += len(lst)
		}
	}
	s.stateMu.RUnlock()
	stats.EdgesDropped = edgesBefore - len(liveEdges)

	sort.Slice(liveEdges, func(i, j int) bool {
		if c := model.CompareIDs(liveEdges[i].Parent, liveEdges[j].Parent); c != 0 {
			return c < 0
		}
		if liveEdges[i].Relation != liveEdges[j].Relation {
			return liveEdges[i].Relation < liveEdges[j].Relation
		}
		return liveEdges[i].Ordinal < liveEdges[j].Ordinal
	})

	tmpChildren := filepath.Join(s.opts.Dir, childrenFile+".tmp")
	tmpParents := filepath.Join(s.opts.Dir, parentsFile+".tmp")
	tmpQuarantine := filepath.Join(s.opts.Dir, quarantineFile+".tmp")

	childW, err := recio.OpenWriterTrunc(tmpChildren)
	if err != nil {
		return abort(err)
	}
	defer childW.Close()
	parentW, err := recio.OpenWriterTrunc(tmpParents)
	if err != nil {
		return abort(err)
	}
	defer parentW.Close()
	quarW, err := recio.OpenWriterTrunc(tmpQuarantine)
	if err != nil {
		return abort(err)
	}
	defer quarW.Close()

	for _, e := range liveEdges {
		if _, err = childW.Append(recio.EncodeEdge(e.Parent, e, false)); err != nil {
			return abort(err)
		}
		if _, err = parentW.Append(recio.EncodeEdge(e.Child, e, false)); err != nil {
			return abort(err)
		}
	}
	sort.Slice(quarantinedIDs, func(i, j int) bool { return model.CompareIDs(quarantinedIDs[i], quarantinedIDs[j]) < 0 })
	for _, id := range quarantinedIDs {
		if _, err = quarW.Append(recio.EncodeContainerTombstone(id, 0)); err != nil {
			return abort(err)
		}
	}

	for _, w := range []*recio.Writer{hotW, childW, parentW, quarW} {
		if err = w.Commit(); err != nil {
			return abort(err)
		}
		if err = w.Close(); err != nil {
			return abort(err)
		}
	}
	if coldW != nil {
		if coldCount > 0 {
			if err = coldW.Finish(); err != nil {
				return abort(err)
			}
		} else {
			coldW.Abort()
			coldW = nil
		}
	}

	// Swap: retire the current read state, rename, reopen. Retiring keeps
	// the old mappings alive for readers still copying from them.
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.retireFiles()

	renames := [][2]string{
		{tmpContainers, filepath.Join(s.opts.Dir, containersFile)},
		{tmpChildren, filepath.Join(s.opts.Dir, childrenFile)},
		{tmpParents, filepath.Join(s.opts.Dir, parentsFile)},
		{tmpQuarantine, filepath.Join(s.opts.Dir, quarantineFile)},
	}
	coldPath := filepath.Join(s.opts.Dir, coldFile)
	if coldW != nil {
		renames = append(renames, [2]string{tmpCold, coldPath})
	} else {
		_ = os.Remove(coldPath)
		_ = os.Remove(tmpCold)
	}
	for _, rn := range renames {
		if err = os.Rename(rn[0], rn[1]); err != nil {
			return CompactStats{}, fmt.Errorf("store: compact swap: %w", err)
		}
	}
	if err = syncDir(s.opts.Dir); err != nil {
		return CompactStats{}, err
	}

	if err = s.openFiles(); err != nil {
		return CompactStats{}, fmt.Errorf("store: reopen after compact: %w", err)
	}
	if err = s.loadState(); err != nil {
		return CompactStats{}, err
	}
	if err = s.reconcileEdges(); err != nil {
		return CompactStats{}, err
	}
	s.hotCache.Purge()
	return stats, nil
}
