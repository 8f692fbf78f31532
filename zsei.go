package zsei

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zseilabs/zsei/internal/hnsw"
	"github.com/zseilabs/zsei/internal/integrity"
	"github.com/zseilabs/zsei/internal/store"
	"github.com/zseilabs/zsei/internal/traverse"
	"github.com/zseilabs/zsei/model"
)

const indexFile = "embeddings.idx"

// Store is a handle to an open store directory. It is safe for concurrent
// use; one Store per directory, enforced by an advisory file lock.
type Store struct {
	dir  string
	opts options

	rs      *store.Store
	checker *integrity.Checker

	verifierMu sync.Mutex
	verifier   *integrity.Verifier

	indexMu   sync.Mutex
	index     *hnsw.Index
	indexErr  error // terminal unavailability (corrupt snapshot, rebuild off)
	triedLoad bool

	logger  *Logger
	metrics MetricsCollector

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the store at dir.
func Open(dir string, optFns ...Option) (*Store, error) {
	o := applyOptions(optFns)
	if o.err != nil {
		return nil, o.err
	}

	disableMmap := o.disableMmap
	if !disableMmap && o.maxMappedBytes > 0 {
		if mappedSize(dir) > o.maxMappedBytes {
			disableMmap = true
		}
	}

	rs, err := store.Open(store.Options{
		Dir:                 dir,
		HotPathCacheSize:    o.hotPathCacheSize,
		MaxVersionsRetained: o.maxVersionsRetained,
		Compression:         o.compression,
		ColdCacheBytes:      o.coldCacheBytes,
		DisableMmap:         disableMmap,
	})
	if err != nil {
		return nil, translateError(err)
	}

	s := &Store{
		dir:     dir,
		opts:    o,
		rs:      rs,
		checker: integrity.NewChecker(rs, o.verificationRate, o.logger.Logger),
		logger:  o.logger,
		metrics: o.metrics,
	}

	if o.preloadIndex {
		s.indexMu.Lock()
		_, ierr := s.getIndexLocked(context.Background(), 0)
		s.indexMu.Unlock()
		if ierr != nil && !errors.Is(ierr, ErrIndexUnavailable) {
			_ = rs.Close()
			return nil, ierr
		}
	}

	if o.backgroundVerify {
		s.verifier = integrity.StartVerifier(s.checker, o.verificationInterval, o.verificationShards, s.onRepair)
	}

	s.logger.Info("store opened",
		"dir", dir,
		"containers", rs.Len(),
		"mmap", !disableMmap,
	)
	return s, nil
}

func mappedSize(dir string) int64 {
	var total int64
	for _, name := range []string{"containers.bin", "children.bin", "parents.bin", "quarantine.bin"} {
		if st, err := os.Stat(filepath.Join(dir, name)); err == nil {
			total += st.Size()
		}
	}
	return total
}

// Close stops background work, snapshots the embedding index and releases
// the directory lock.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.verifierMu.Lock()
		if s.verifier != nil {
			s.verifier.Stop()
			s.verifier = nil
		}
		s.verifierMu.Unlock()

		s.indexMu.Lock()
		if s.index != nil {
			if err := s.index.Save(filepath.Join(s.dir, indexFile)); err != nil {
				s.logger.Error("index snapshot failed", "error", err)
				s.closeErr = err
			}
		}
		s.indexMu.Unlock()

		if err := s.rs.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// PutOption configures a PutContainer call.
type PutOption func(*putOptions)

type putOptions struct {
	id        *model.ContainerID
	embedding []float32
}

// WithID supplies an explicit container id instead of deriving one from
// the payload. Putting a different payload under an existing id fails with
// ErrIDCollision.
func WithID(id model.ContainerID) PutOption {
	return func(po *putOptions) {
		po.id = &id
	}
}

// WithEmbedding attaches an embedding vector; it is stored with the record
// and fed to the search index.
func WithEmbedding(vec []float32) PutOption {
	return func(po *putOptions) {
		po.embedding = vec
	}
}

// PutContainer stores payload and returns its id. Without WithID the id is
// content-derived, making the call idempotent: the same bytes always map
// to the same id, and re-putting them is a no-op.
func (s *Store) PutContainer(ctx context.Context, payload []byte, optFns ...PutOption) (model.ContainerID, error) {
	start := time.Now()
	var po putOptions
	for _, fn := range optFns {
		fn(&po)
	}
	id := model.DeriveID(payload)
	if po.id != nil {
		id = *po.id
	}

	var version uint32
	var created bool
	err := s.checkEmbedding(ctx, po.embedding)
	if err == nil {
		var c model.Container
		c, created, err = s.rs.Put(ctx, id, payload, po.embedding)
		if err == nil {
			version = c.Version
			if len(po.embedding) > 0 {
				err = s.indexEmbedding(ctx, id, po.embedding)
			}
		}
	}
	err = translateError(err)

	s.metrics.RecordPut(time.Since(start), err)
	s.logger.LogPut(ctx, id, version, created, err)
	return id, err
}

// UpdateContainer appends a new version for an existing container and
// returns its version number. Without WithEmbedding the previous version's
// embedding is kept.
func (s *Store) UpdateContainer(ctx context.Context, id model.ContainerID, payload []byte, optFns ...PutOption) (uint32, error) {
	start := time.Now()
	var po putOptions
	for _, fn := range optFns {
		fn(&po)
	}

	var version uint32
	err := s.checkEmbedding(ctx, po.embedding)
	if err == nil {
		var c model.Container
		c, err = s.rs.Update(ctx, id, payload, po.embedding)
		if err == nil {
			version = c.Version
			if len(c.Embedding) > 0 {
				err = s.indexEmbedding(ctx, id, c.Embedding)
			}
		}
	}
	err = translateError(err)

	s.metrics.RecordPut(time.Since(start), err)
	s.logger.LogPut(ctx, id, version, false, err)
	return version, err
}

// checkEmbedding rejects wrong-dimension vectors before any record is
// committed.
func (s *Store) checkEmbedding(ctx context.Context, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if s.opts.dimension > 0 && len(vec) != s.opts.dimension {
		return &ErrDimensionMismatch{Expected: s.opts.dimension, Actual: len(vec)}
	}
	ix, err := s.getIndex(ctx, len(vec))
	if err != nil {
		if errors.Is(err, ErrIndexUnavailable) {
			return nil // record is still stored; index catches up on rebuild
		}
		return err
	}
	if ix.Dimension() != len(vec) {
		return &ErrDimensionMismatch{Expected: ix.Dimension(), Actual: len(vec)}
	}
	return nil
}

func (s *Store) indexEmbedding(ctx context.Context, id model.ContainerID, vec []float32) error {
	ix, err := s.getIndex(ctx, len(vec))
	if err != nil {
		if errors.Is(err, ErrIndexUnavailable) {
			return nil
		}
		return err
	}
	return ix.Insert(ctx, id, vec)
}

// GetContainer returns the newest live version. A hash mismatch triggers
// the repair cascade when auto-repair is enabled; only if repair cannot
// produce a verifying version does the corruption error surface.
func (s *Store) GetContainer(ctx context.Context, id model.ContainerID) (model.Container, error) {
	start := time.Now()
	c, err := s.rs.Get(ctx, id)

	var corrupt *store.CorruptError
	if errors.As(err, &corrupt) && s.opts.autoRepair {
		outcome, rerr := s.checker.Repair(ctx, id)
		s.metrics.RecordRepair(outcome.String(), time.Since(start), rerr)
		if rerr == nil && outcome == integrity.OutcomeRolledBack {
			s.syncIndexAfterRepair(ctx, id, outcome)
			c, err = s.rs.Get(ctx, id)
		}
	}
	err = translateError(err)

	s.metrics.RecordGet(time.Since(start), err)
	s.logger.LogGet(ctx, id, err)
	return c, err
}

// GetContainerVersion returns one retained version of a container.
func (s *Store) GetContainerVersion(ctx context.Context, id model.ContainerID, version uint32) (model.Container, error) {
	start := time.Now()
	c, err := s.rs.GetVersion(ctx, id, version)
	err = translateError(err)
	s.metrics.RecordGet(time.Since(start), err)
	return c, err
}

// Delete tombstones a container. Retained versions remain readable via
// GetContainerVersion until compaction.
func (s *Store) Delete(ctx context.Context, id model.ContainerID) error {
	start := time.Now()
	err := s.rs.Delete(ctx, id)
	if err == nil {
		s.indexMu.Lock()
		if s.index != nil {
			if rerr := s.index.Remove(ctx, id); rerr != nil && !errors.Is(rerr, hnsw.ErrNotFound) {
				err = rerr
			}
		}
		s.indexMu.Unlock()
	}
	err = translateError(err)

	s.metrics.RecordDelete(time.Since(start), err)
	s.logger.LogDelete(ctx, id, err)
	return err
}

// PutEdge links child under parent with a relation type. Both endpoints
// must exist. Insertion order fixes the child ordering within a relation.
func (s *Store) PutEdge(ctx context.Context, parent, child model.ContainerID, relation string) error {
	_, err := s.rs.PutEdge(ctx, parent, child, relation)
	return translateError(err)
}

// DeleteEdge removes a link. Deleting a non-existent edge is ErrNotFound.
func (s *Store) DeleteEdge(ctx context.Context, parent, child model.ContainerID, relation string) error {
	start := time.Now()
	err := translateError(s.rs.DeleteEdge(ctx, parent, child, relation))
	s.metrics.RecordDelete(time.Since(start), err)
	return err
}

// GetChildren returns a parent's child ids, ordered by insertion within a
// relation. An empty relation merges all relations in name order.
func (s *Store) GetChildren(ctx context.Context, parent model.ContainerID, relation string) ([]model.ContainerID, error) {
	ids, err := s.rs.GetChildren(ctx, parent, relation)
	return ids, translateError(err)
}

// GetParents returns a child's parent ids.
func (s *Store) GetParents(ctx context.Context, child model.ContainerID) ([]model.ContainerID, error) {
	ids, err := s.rs.GetParents(ctx, child)
	return ids, translateError(err)
}

// TraverseOption bounds or filters a traversal.
type TraverseOption func(*traverse.Options)

// WithMaxDepth limits traversal depth. 0 yields only the root; negative
// means unbounded.
func WithMaxDepth(depth int) TraverseOption {
	return func(o *traverse.Options) {
		o.MaxDepth = depth
	}
}

// WithMaxResults caps the number of containers yielded.
func WithMaxResults(n int) TraverseOption {
	return func(o *traverse.Options) {
		o.MaxResults = n
	}
}

// WithRelation restricts traversal to edges of one relation type.
func WithRelation(relation string) TraverseOption {
	return func(o *traverse.Options) {
		o.Relation = relation
	}
}

// Traverse streams a breadth-first walk from root. Order is deterministic:
// depth first, ascending id within a depth. The walk stops at the first of
// max depth or max results; cycles terminate via a visited set.
func (s *Store) Traverse(ctx context.Context, root model.ContainerID, optFns ...TraverseOption) iter.Seq2[model.Visit, error] {
	opts := traverse.Options{
		MaxDepth:   s.opts.defaultMaxDepth,
		MaxResults: s.opts.defaultMaxResults,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return func(yield func(model.Visit, error) bool) {
		start := time.Now()
		visited := 0
		var terr error
		for v, err := range traverse.BFS(ctx, s.rs, root, opts) {
			if err != nil {
				terr = translateError(err)
				yield(model.Visit{}, terr)
				break
			}
			visited++
			if !yield(v, nil) {
				break
			}
		}
		s.metrics.RecordTraversal(visited, time.Since(start), terr)
		s.logger.LogTraversal(ctx, root, visited, terr)
	}
}

// Search returns the k nearest containers to query by embedding distance,
// ranked ascending. Fewer than k results are returned when the index holds
// fewer live vectors.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]model.SearchResult, error) {
	start := time.Now()
	results, err := s.search(ctx, query, k)
	err = translateError(err)
	s.metrics.RecordSearch(k, time.Since(start), err)
	s.logger.LogSearch(ctx, k, len(results), err)
	return results, err
}

func (s *Store) search(ctx context.Context, query []float32, k int) ([]model.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	ix, err := s.getIndex(ctx, len(query))
	if err != nil {
		return nil, err
	}
	results, err := ix.Search(ctx, query, k)
	if errors.Is(err, hnsw.ErrEmpty) {
		return nil, nil
	}
	return results, err
}

// VerifyResult reports the outcome of verifying one container.
type VerifyResult struct {
	OK         bool
	Mismatches []model.Mismatch
}

// Verify checks every retained version of one container against its
// stored hashes.
func (s *Store) Verify(ctx context.Context, id model.ContainerID) (VerifyResult, error) {
	start := time.Now()
	mismatches, err := s.checker.Verify(ctx, id)
	err = translateError(err)
	s.metrics.RecordVerify(len(mismatches), time.Since(start), err)
	s.logger.LogVerify(ctx, len(mismatches), err)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{OK: len(mismatches) == 0, Mismatches: mismatches}, nil
}

// VerifyAll sweeps the whole store, collecting every mismatch rather than
// stopping at the first.
func (s *Store) VerifyAll(ctx context.Context) ([]model.Mismatch, error) {
	start := time.Now()
	mismatches, err := s.checker.VerifyAll(ctx)
	err = translateError(err)
	s.metrics.RecordVerify(len(mismatches), time.Since(start), err)
	s.logger.LogVerify(ctx, len(mismatches), err)
	return mismatches, err
}

// RepairOutcome reports what the repair cascade did.
type RepairOutcome int

const (
	// RepairClean means no corruption was found.
	RepairClean RepairOutcome = iota
	// RepairRolledBack means a prior verifying version was restored as a
	// new version.
	RepairRolledBack
	// RepairQuarantined means nothing verifies; the container is marked
	// permanently corrupt.
	RepairQuarantined
)

func (o RepairOutcome) String() string {
	switch o {
	case RepairClean:
		return "clean"
	case RepairRolledBack:
		return "rolled_back"
	case RepairQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Repair runs the repair cascade on one container: re-verify, roll back to
// the newest prior verifying version, quarantine as a last resort.
func (s *Store) Repair(ctx context.Context, id model.ContainerID) (RepairOutcome, error) {
	start := time.Now()
	outcome, err := s.checker.Repair(ctx, id)
	err = translateError(err)
	if err == nil {
		s.syncIndexAfterRepair(ctx, id, outcome)
	}
	s.metrics.RecordRepair(outcome.String(), time.Since(start), err)
	s.logger.LogRepair(ctx, id, outcome.String(), err)
	return RepairOutcome(outcome), err
}

// syncIndexAfterRepair keeps the embedding index consistent with the
// repair result.
func (s *Store) syncIndexAfterRepair(ctx context.Context, id model.ContainerID, outcome integrity.Outcome) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.index == nil {
		return
	}
	switch outcome {
	case integrity.OutcomeQuarantined:
		if err := s.index.Remove(ctx, id); err != nil && !errors.Is(err, hnsw.ErrNotFound) {
			s.logger.Error("index removal after quarantine failed", "id", id.String(), "error", err)
		}
	case integrity.OutcomeRolledBack:
		c, err := s.rs.Get(ctx, id)
		if err != nil {
			s.logger.Error("index resync after rollback failed", "id", id.String(), "error", err)
			return
		}
		if len(c.Embedding) > 0 {
			if err := s.index.Insert(ctx, id, c.Embedding); err != nil {
				s.logger.Error("index resync after rollback failed", "id", id.String(), "error", err)
			}
		}
	}
}

// onRepair is the background verifier's hook.
func (s *Store) onRepair(id model.ContainerID, outcome integrity.Outcome) {
	s.syncIndexAfterRepair(context.Background(), id, outcome)
	s.metrics.RecordRepair(outcome.String(), 0, nil)
}

// CompactionStats reports what a compaction did.
type CompactionStats struct {
	ContainersKept    int
	ContainersDropped int
	VersionsPruned    int
	VersionsMigrated  int
	EdgesDropped      int
}

// Compact prunes version chains to the retention limit, physically removes
// tombstoned containers and their edges, and migrates older retained
// versions to the compressed cold tier when compression is enabled. The
// rewrite is atomic (tmp files, fsync, rename).
func (s *Store) Compact(ctx context.Context) (CompactionStats, error) {
	start := time.Now()
	st, err := s.rs.Compact(ctx)
	err = translateError(err)
	if err == nil {
		s.indexMu.Lock()
		if s.index != nil {
			if serr := s.index.Save(filepath.Join(s.dir, indexFile)); serr != nil {
				s.logger.Error("index snapshot after compaction failed", "error", serr)
			}
		}
		s.indexMu.Unlock()
	}
	s.metrics.RecordCompaction(time.Since(start), err)
	s.logger.LogCompaction(ctx, st.ContainersKept, st.ContainersDropped, st.VersionsPruned, st.VersionsMigrated, err)
	return CompactionStats(st), err
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Containers     int
	CacheHits      int64
	CacheMisses    int64
	ColdHits       int64
	ColdMisses     int64
	ColdRecords    int
	IndexedVectors int
}

// Stats returns current store counters.
func (s *Store) Stats() Stats {
	st := Stats{Containers: s.rs.Len()}
	st.CacheHits, st.CacheMisses = s.rs.CacheStats()
	st.ColdHits, st.ColdMisses, st.ColdRecords = s.rs.ColdStats()
	s.indexMu.Lock()
	if s.index != nil {
		st.IndexedVectors = s.index.Len()
	}
	s.indexMu.Unlock()
	return st
}

// getIndex returns the embedding index, loading its snapshot or rebuilding
// from container records on first use. hintDim supplies the dimension when
// none was configured.
func (s *Store) getIndex(ctx context.Context, hintDim int) (*hnsw.Index, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.getIndexLocked(ctx, hintDim)
}

func (s *Store) getIndexLocked(ctx context.Context, hintDim int) (*hnsw.Index, error) {
	if s.index != nil {
		return s.index, nil
	}
	if s.indexErr != nil {
		return nil, s.indexErr
	}

	path := filepath.Join(s.dir, indexFile)
	if !s.triedLoad {
		s.triedLoad = true
		if _, err := os.Stat(path); err == nil {
			ix, err := hnsw.Load(path, hnsw.Config{
				Dimension: s.opts.dimension,
				Seed:      s.opts.seed,
			})
			if err == nil {
				s.index = ix
				return ix, nil
			}
			s.logger.Warn("index snapshot unusable", "path", path, "error", err)
			if !s.opts.rebuildIndex {
				s.indexErr = fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
				return nil, s.indexErr
			}
		}
	}

	ix, n, err := s.rebuild(ctx, hintDim)
	s.logger.LogIndexRebuild(ctx, n, err)
	if err != nil {
		return nil, err
	}
	s.index = ix
	return ix, nil
}

// rebuild constructs the index from the newest live embedding of every
// container. Reads fan out on an errgroup; inserts serialize inside the
// index.
func (s *Store) rebuild(ctx context.Context, hintDim int) (*hnsw.Index, int, error) {
	type pair struct {
		id  model.ContainerID
		vec []float32
	}
	var pairs []pair
	if err := s.rs.ForEachEmbedding(ctx, func(id model.ContainerID, vec []float32) error {
		pairs = append(pairs, pair{id: id, vec: vec})
		return nil
	}); err != nil {
		return nil, 0, err
	}

	dim := s.opts.dimension
	if dim == 0 && len(pairs) > 0 {
		dim = len(pairs[0].vec)
	}
	if dim == 0 {
		dim = hintDim
	}
	if dim == 0 {
		// Nothing to build from yet; retry once a dimension is known.
		return nil, 0, ErrIndexUnavailable
	}

	ix, err := hnsw.New(hnsw.Config{
		Dimension:      dim,
		Metric:         s.opts.metric.internal(),
		M:              s.opts.m,
		EfConstruction: s.opts.efConstruction,
		EfSearch:       s.opts.efSearch,
		Seed:           s.opts.seed,
	})
	if err != nil {
		return nil, 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, p := range pairs {
		g.Go(func() error {
			return ix.Insert(gctx, p.id, p.vec)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return ix, len(pairs), nil
}

var _ traverse.Graph = (*store.Store)(nil)
