// Package store implements the record store: append-only committed-length
// files for containers and adjacency, mmap read snapshots, a hot-path
// child-list cache and a compressed cold tier for older versions.
//
// A single writer is enforced per directory via an advisory lock on LOCK.
// Mutations append records and advance the committed-length header only
// after fsync, so readers never observe a torn tail. Reads run against
// immutable mapping snapshots and never block writes.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zseilabs/zsei/internal/cache"
	"github.com/zseilabs/zsei/internal/coldtier"
	"github.com/zseilabs/zsei/internal/flock"
	"github.com/zseilabs/zsei/internal/mmap"
	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

const (
	containersFile = "containers.bin"
	childrenFile   = "children.bin"
	parentsFile    = "parents.bin"
	quarantineFile = "quarantine.bin"
	coldFile       = "cold.bin"
	lockFile       = "LOCK"
)

// Options configures a store directory.
type Options struct {
	Dir string

	// HotPathCacheSize bounds the (container, relation) child-list cache
	// in entries. <= 0 disables it.
	HotPathCacheSize int

	// MaxVersionsRetained is the number of non-tombstone versions kept per
	// container across compaction. Minimum 1.
	MaxVersionsRetained int

	// Compression selects the cold-tier codec. CodecNone keeps every
	// retained version in the uncompressed hot file.
	Compression coldtier.Codec

	// ColdCacheBytes bounds the decompressed cold block cache.
	ColdCacheBytes int64

	// DisableMmap switches reads to buffered file copies. Slower, but
	// available where mapping is undesirable.
	DisableMmap bool
}

func (o *Options) normalize() {
	if o.MaxVersionsRetained < 1 {
		o.MaxVersionsRetained = 1
	}
}

// versionRef locates one version of a container. off is the record offset
// in containers.bin, or -1 when the version lives only in the cold tier.
type versionRef struct {
	version   uint32
	off       int64
	hash      uint64
	tombstone bool
}

const coldOff = int64(-1)

type containerState struct {
	refs    []versionRef // ascending by version
	created int64        // Unix nanos of the oldest hot version seen
}

// live returns the newest ref when it is not a tombstone.
func (st *containerState) live() (versionRef, bool) {
	if len(st.refs) == 0 {
		return versionRef{}, false
	}
	last := st.refs[len(st.refs)-1]
	if last.tombstone {
		return versionRef{}, false
	}
	return last, true
}

func (st *containerState) find(version uint32) (versionRef, bool) {
	for i := len(st.refs) - 1; i >= 0; i-- {
		if st.refs[i].version == version {
			return st.refs[i], true
		}
	}
	return versionRef{}, false
}

func (st *containerState) nextVersion() uint32 {
	if len(st.refs) == 0 {
		return 1
	}
	return st.refs[len(st.refs)-1].version + 1
}

type edgeKey struct {
	parent   model.ContainerID
	child    model.ContainerID
	relation string
}

// Store is an open record store. One Store per directory; the advisory
// lock rejects a second writer process.
type Store struct {
	opts Options
	lock *flock.Lock

	// mu serializes all mutations within the process.
	mu     sync.Mutex
	closed bool

	containers *dataFile
	children   *dataFile
	parents    *dataFile
	quarantine *dataFile
	cold       *coldtier.Tier

	// Files superseded by a compaction swap. Their mappings stay alive so
	// readers that captured a pre-swap snapshot can finish; freed at Close.
	retired     []*dataFile
	retiredCold []*coldtier.Tier

	// stateMu guards the in-memory index and mapping refreshes. Readers
	// take RLock, mutators upgrade after committing.
	stateMu     sync.RWMutex
	idx         map[model.ContainerID]*containerState
	childAdj    map[model.ContainerID]map[string][]model.Edge
	parentAdj   map[model.ContainerID][]model.Edge
	quarantined map[model.ContainerID]struct{}

	hotCache *cache.HotPathCache
}

// Open acquires the directory lock, replays the committed record files and
// reconciles the two adjacency files.
func Open(opts Options) (*Store, error) {
	opts.normalize()
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, err
	}
	lock, err := flock.Acquire(filepath.Join(opts.Dir, lockFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:     opts,
		lock:     lock,
		hotCache: cache.New(opts.HotPathCacheSize),
	}
	if err := s.openFiles(); err != nil {
		_ = lock.Release()
		return nil, err
	}
	if err := s.loadState(); err != nil {
		s.closeFiles()
		_ = lock.Release()
		return nil, err
	}
	if err := s.reconcileEdges(); err != nil {
		s.closeFiles()
		_ = lock.Release()
		return nil, err
	}
	return s, nil
}

func (s *Store) openFiles() error {
	var err error
	if s.containers, err = openDataFile(filepath.Join(s.opts.Dir, containersFile), !s.opts.DisableMmap); err != nil {
		return err
	}
	if s.children, err = openDataFile(filepath.Join(s.opts.Dir, childrenFile), !s.opts.DisableMmap); err != nil {
		return err
	}
	if s.parents, err = openDataFile(filepath.Join(s.opts.Dir, parentsFile), !s.opts.DisableMmap); err != nil {
		return err
	}
	if s.quarantine, err = openDataFile(filepath.Join(s.opts.Dir, quarantineFile), !s.opts.DisableMmap); err != nil {
		return err
	}

	coldPath := filepath.Join(s.opts.Dir, coldFile)
	if _, statErr := os.Stat(coldPath); statErr == nil {
		if s.cold, err = coldtier.Open(coldPath, s.opts.ColdCacheBytes); err != nil {
			return fmt.Errorf("store: open cold tier: %w", err)
		}
	}
	return nil
}

func (s *Store) closeFiles() {
	for _, d := range []*dataFile{s.containers, s.children, s.parents, s.quarantine} {
		if d != nil {
			_ = d.close()
		}
	}
	if s.cold != nil {
		_ = s.cold.Close()
	}
	s.containers, s.children, s.parents, s.quarantine, s.cold = nil, nil, nil, nil, nil
}

// retireFiles moves the current files to the graveyard instead of closing
// them, so snapshots captured before a compaction swap stay readable. The
// write handles close; the read views survive until Close. Caller holds
// stateMu exclusively.
func (s *Store) retireFiles() {
	for _, d := range []*dataFile{s.containers, s.children, s.parents, s.quarantine} {
		if d != nil {
			_ = d.w.Close()
			s.retired = append(s.retired, d)
		}
	}
	if s.cold != nil {
		s.retiredCold = append(s.retiredCold, s.cold)
	}
	s.containers, s.children, s.parents, s.quarantine, s.cold = nil, nil, nil, nil, nil
}

// loadState replays containers.bin, both adjacency files, quarantine.bin
// and the cold-tier TOC into the in-memory index.
func (s *Store) loadState() error {
	s.idx = make(map[model.ContainerID]*containerState)
	s.childAdj = make(map[model.ContainerID]map[string][]model.Edge)
	s.parentAdj = make(map[model.ContainerID][]model.Edge)
	s.quarantined = make(map[model.ContainerID]struct{})

	err := recio.Scan(s.containers.snapshot(), func(off int64, r recio.Record) bool {
		st := s.idx[r.ID]
		if st == nil {
			st = &containerState{}
			s.idx[r.ID] = st
		}
		ref := versionRef{version: r.Version, off: off, hash: r.PayloadHash, tombstone: r.IsContainerTombstone()}
		st.refs = append(st.refs, ref)
		if !ref.tombstone && st.created == 0 {
			if body, err := recio.ParseContainerBody(r.Body); err == nil {
				st.created = body.Modified
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("store: replay %s: %w", containersFile, err)
	}

	// Cold versions are older than anything hot for the same id.
	if s.cold != nil {
		s.cold.Range(func(id model.ContainerID, version uint32) bool {
			st := s.idx[id]
			if st == nil {
				st = &containerState{}
				s.idx[id] = st
			}
			st.refs = append(st.refs, versionRef{version: version, off: coldOff})
			return true
		})
	}
	for _, st := range s.idx {
		sort.Slice(st.refs, func(i, j int) bool { return st.refs[i].version < st.refs[j].version })
	}

	if err := recio.Scan(s.quarantine.snapshot(), func(_ int64, r recio.Record) bool {
		s.quarantined[r.ID] = struct{}{}
		return true
	}); err != nil {
		return fmt.Errorf("store: replay %s: %w", quarantineFile, err)
	}
	return nil
}

// scanEdgeFile replays one adjacency file into a live-edge set. Tombstone
// records remove earlier entries.
func scanEdgeFile(data []byte, name string) (map[edgeKey]model.Edge, error) {
	set := make(map[edgeKey]model.Edge)
	err := recio.Scan(data, func(_ int64, r recio.Record) bool {
		eb, perr := recio.ParseEdgeBody(r.Body)
		if perr != nil {
			return true // skip undecodable bodies, the frame itself committed
		}
		key := edgeKey{parent: eb.Edge.Parent, child: eb.Edge.Child, relation: eb.Edge.Relation}
		if eb.Tombstone {
			delete(set, key)
		} else {
			set[key] = eb.Edge
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("store: replay %s: %w", name, err)
	}
	return set, nil
}

// reconcileEdges restores edge symmetry after a crash between the two
// adjacency commits. The union of both files wins: a record durable in
// either file is re-appended to the one missing it.
func (s *Store) reconcileEdges() error {
	fromChildren, err := scanEdgeFile(s.children.snapshot(), childrenFile)
	if err != nil {
		return err
	}
	fromParents, err := scanEdgeFile(s.parents.snapshot(), parentsFile)
	if err != nil {
		return err
	}

	for key, e := range fromChildren {
		if _, ok := fromParents[key]; !ok {
			if _, err := s.parents.w.Append(recio.EncodeEdge(e.Child, e, false)); err != nil {
				return err
			}
			fromParents[key] = e
		}
	}
	for key, e := range fromParents {
		if _, ok := fromChildren[key]; !ok {
			if _, err := s.children.w.Append(recio.EncodeEdge(e.Parent, e, false)); err != nil {
				return err
			}
			fromChildren[key] = e
		}
	}
	// Runs at open or during the compaction swap, with no concurrent
	// snapshot readers, so the views refresh directly.
	if err := s.children.w.Commit(); err != nil {
		return err
	}
	if err := s.children.refreshView(); err != nil {
		return err
	}
	if err := s.parents.w.Commit(); err != nil {
		return err
	}
	if err := s.parents.refreshView(); err != nil {
		return err
	}

	for _, e := range fromChildren {
		s.insertEdgeLocked(e)
	}
	return nil
}

// insertEdgeLocked adds an edge to both adjacency maps, keeping the child
// lists ordered by (ordinal, child id) and parent lists by
// (relation, ordinal, parent id). Caller holds stateMu.
func (s *Store) insertEdgeLocked(e model.Edge) {
	rels := s.childAdj[e.Parent]
	if rels == nil {
		rels = make(map[string][]model.Edge)
		s.childAdj[e.Parent] = rels
	}
	lst := rels[e.Relation]
	pos := sort.Search(len(lst), func(i int) bool {
		if lst[i].Ordinal != e.Ordinal {
			return lst[i].Ordinal > e.Ordinal
		}
		return model.CompareIDs(lst[i].Child, e.Child) >= 0
	})
	lst = append(lst, model.Edge{})
	copy(lst[pos+1:], lst[pos:])
	lst[pos] = e
	rels[e.Relation] = lst

	plst := s.parentAdj[e.Child]
	ppos := sort.Search(len(plst), func(i int) bool {
		if plst[i].Relation != e.Relation {
			return plst[i].Relation > e.Relation
		}
		if plst[i].Ordinal != e.Ordinal {
			return plst[i].Ordinal > e.Ordinal
		}
		return model.CompareIDs(plst[i].Parent, e.Parent) >= 0
	})
	plst = append(plst, model.Edge{})
	copy(plst[ppos+1:], plst[ppos:])
	plst[ppos] = e
	s.parentAdj[e.Child] = plst
}

// removeEdgeLocked drops an edge from both adjacency maps. Caller holds
// stateMu.
func (s *Store) removeEdgeLocked(e model.Edge) {
	if rels := s.childAdj[e.Parent]; rels != nil {
		lst := rels[e.Relation]
		for i := range lst {
			if lst[i].Child == e.Child {
				rels[e.Relation] = append(lst[:i], lst[i+1:]...)
				break
			}
		}
		if len(rels[e.Relation]) == 0 {
			delete(rels, e.Relation)
		}
		if len(rels) == 0 {
			delete(s.childAdj, e.Parent)
		}
	}
	plst := s.parentAdj[e.Child]
	for i := range plst {
		if plst[i].Parent == e.Parent && plst[i].Relation == e.Relation {
			s.parentAdj[e.Child] = append(plst[:i], plst[i+1:]...)
			break
		}
	}
	if len(s.parentAdj[e.Child]) == 0 {
		delete(s.parentAdj, e.Child)
	}
}

// Close releases all files and the directory lock. Outstanding readers of
// old snapshots keep valid memory until Close returns.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.closeFiles()
	for _, d := range s.retired {
		if d.m != nil {
			_ = d.m.Close()
		}
	}
	s.retired = nil
	for _, t := range s.retiredCold {
		_ = t.Close()
	}
	s.retiredCold = nil
	return s.lock.Release()
}

// Len returns the number of containers with a live newest version.
func (s *Store) Len() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	n := 0
	for _, st := range s.idx {
		if _, ok := st.live(); ok {
			n++
		}
	}
	return n
}

// CacheStats returns hot-path cache hit/miss counters.
func (s *Store) CacheStats() (hits, misses int64) { return s.hotCache.Stats() }

// ColdStats returns cold-tier page cache counters and record count.
func (s *Store) ColdStats() (hits, misses int64, records int) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.cold == nil {
		return 0, 0, 0
	}
	hits, misses = s.cold.Stats()
	return hits, misses, s.cold.Len()
}

// shardOf maps an id to a verification shard.
func shardOf(id model.ContainerID, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(xxhash.Sum64(id[:]) % uint64(shards))
}

// LiveIDs returns the ids with a live newest version that fall into the
// given shard, in ascending id order.
func (s *Store) LiveIDs(shard, shards int) []model.ContainerID {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	var ids []model.ContainerID
	for id, st := range s.idx {
		if _, ok := st.live(); !ok {
			continue
		}
		if shardOf(id, shards) != shard {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return model.CompareIDs(ids[i], ids[j]) < 0 })
	return ids
}

// ForEachEmbedding invokes fn with the newest live embedding of every
// non-quarantined container. Used to rebuild the embedding index.
func (s *Store) ForEachEmbedding(ctx context.Context, fn func(id model.ContainerID, vec []float32) error) error {
	s.stateMu.RLock()
	type item struct {
		id  model.ContainerID
		off int64
	}
	items := make([]item, 0, len(s.idx))
	for id, st := range s.idx {
		if _, q := s.quarantined[id]; q {
			continue
		}
		ref, ok := st.live()
		if !ok || ref.off == coldOff {
			continue
		}
		items = append(items, item{id: id, off: ref.off})
	}
	data := s.containers.snapshot()
	s.stateMu.RUnlock()

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := recio.RecordAt(data, it.off)
		if err != nil {
			return err
		}
		body, err := recio.ParseContainerBody(r.Body)
		if err != nil {
			return err
		}
		if len(body.Embedding) == 0 {
			continue
		}
		vec := make([]float32, len(body.Embedding))
		copy(vec, body.Embedding)
		if err := fn(it.id, vec); err != nil {
			return err
		}
	}
	return nil
}

// dataFile couples a committed-length writer with its read view: an mmap
// snapshot, or a buffered copy when mapping is disabled.
type dataFile struct {
	path string
	w    *recio.Writer
	m    *mmap.File
	buf  []byte
}

func openDataFile(path string, useMmap bool) (*dataFile, error) {
	w, err := recio.OpenWriter(path)
	if err != nil {
		return nil, err
	}
	d := &dataFile{path: path, w: w}
	if useMmap {
		if d.m, err = mmap.Open(path); err != nil {
			_ = w.Close()
			return nil, err
		}
	} else if d.buf, err = os.ReadFile(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	return d, nil
}

// snapshot returns the current read view. The committed-length header
// inside it gates decoding, so a view older than the latest commit is
// merely stale, never torn. Callers capture the view under stateMu.RLock;
// it stays valid after the lock is released because superseded mappings
// are retired, not unmapped, until the store closes.
func (d *dataFile) snapshot() []byte {
	if d.m != nil {
		return d.m.Data
	}
	return d.buf
}

// refreshView swaps in a read view covering the latest commit. The caller
// must exclude concurrent snapshot readers: hold stateMu exclusively, or
// run single-threaded (open, swap).
func (d *dataFile) refreshView() error {
	if d.m != nil {
		return d.m.Remap()
	}
	buf, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	d.buf = buf
	return nil
}

// commitAndRefresh commits staged appends on d, then publishes the
// refreshed read view under stateMu.Lock so a concurrent reader never
// observes a half-swapped view.
func (s *Store) commitAndRefresh(d *dataFile) error {
	if err := d.w.Commit(); err != nil {
		return err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return d.refreshView()
}

func (d *dataFile) close() error {
	var err error
	if d.m != nil {
		err = d.m.Close()
		d.m = nil
	}
	if closeErr := d.w.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// syncDir fsyncs a directory so renames inside it are durable.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
