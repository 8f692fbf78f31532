// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search over container embeddings.
//
// Rows are dense uint32 handles mapped to container ids. Removals are
// logical: tombstoned rows keep routing the graph but never appear in
// results, and are dropped for good when the index is rebuilt.
package hnsw

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/zseilabs/zsei/internal/distance"
	"github.com/zseilabs/zsei/model"
)

var (
	// ErrNotFound is returned when removing an id the index never saw.
	ErrNotFound = errors.New("hnsw: id not indexed")

	// ErrEmpty is returned when searching an index with no live rows.
	ErrEmpty = errors.New("hnsw: index is empty")
)

// DimensionMismatchError reports a vector whose dimension disagrees with
// the index.
type DimensionMismatchError struct {
	Want, Got int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: index %d, vector %d", e.Want, e.Got)
}

// Config parameterizes graph construction.
type Config struct {
	Dimension      int
	Metric         distance.Metric
	M              int // max connections per node above level 0
	EfConstruction int
	EfSearch       int
	Seed           int64
}

func (c *Config) normalize() {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

type node struct {
	id     model.ContainerID
	vec    []float32
	levels [][]uint32 // neighbor rows per level, index 0 is the base layer
}

// Index is the in-memory graph. Safe for concurrent use: inserts and
// removals take the write lock, searches the read lock.
type Index struct {
	mu sync.RWMutex

	cfg      Config
	dist     distance.Func
	nodes    []*node
	rows     map[model.ContainerID]uint32
	deleted  *roaring.Bitmap
	entry    uint32
	maxLevel int
	levelMul float64
	rng      *rand.Rand
}

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	cfg.normalize()
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", cfg.Dimension)
	}
	dist, err := distance.Provider(cfg.Metric)
	if err != nil {
		return nil, err
	}
	return &Index{
		cfg:      cfg,
		dist:     dist,
		rows:     make(map[model.ContainerID]uint32),
		deleted:  roaring.New(),
		maxLevel: -1,
		levelMul: 1 / math.Log(float64(cfg.M)),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Dimension returns the index's fixed vector dimension.
func (ix *Index) Dimension() int { return ix.cfg.Dimension }

// Len returns the number of live (non-tombstoned) rows.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes) - int(ix.deleted.GetCardinality())
}

// Contains reports whether id is indexed and live.
func (ix *Index) Contains(id model.ContainerID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	row, ok := ix.rows[id]
	return ok && !ix.deleted.Contains(row)
}

// Insert adds (or re-adds) the embedding for id. Re-inserting an id
// replaces its vector by tombstoning the old row.
func (ix *Index) Insert(ctx context.Context, id model.ContainerID, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != ix.cfg.Dimension {
		return &DimensionMismatchError{Want: ix.cfg.Dimension, Got: len(vec)}
	}

	v := make([]float32, len(vec))
	copy(v, vec)
	if ix.cfg.Metric == distance.MetricCosine {
		if !distance.NormalizeL2InPlace(v) {
			return errors.New("hnsw: cannot index a zero vector under cosine")
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.rows[id]; ok {
		if !ix.deleted.Contains(old) {
			ix.deleted.Add(old)
		}
	}

	row := uint32(len(ix.nodes))
	level := ix.randomLevel()
	n := &node{id: id, vec: v, levels: make([][]uint32, level+1)}
	ix.nodes = append(ix.nodes, n)
	ix.rows[id] = row

	if ix.maxLevel < 0 {
		ix.entry = row
		ix.maxLevel = level
		return nil
	}

	cur := ix.entry
	for l := ix.maxLevel; l > level; l-- {
		cur = ix.greedyClosest(v, cur, l)
	}

	for l := min(level, ix.maxLevel); l >= 0; l-- {
		candidates := ix.searchLayer(v, cur, ix.cfg.EfConstruction, l)
		neighbors := ix.selectNeighbors(candidates, ix.maxConns(l))
		n.levels[l] = neighbors
		for _, nb := range neighbors {
			ix.link(nb, row, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].row
		}
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = row
	}
	return nil
}

// Remove tombstones the row for id. The vector stops appearing in search
// results immediately; its links keep serving as routing paths.
func (ix *Index) Remove(ctx context.Context, id model.ContainerID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	row, ok := ix.rows[id]
	if !ok || ix.deleted.Contains(row) {
		return ErrNotFound
	}
	ix.deleted.Add(row)
	delete(ix.rows, id)
	return nil
}

// Search returns the k nearest live rows to query, ascending by distance.
// Equal distances break by insertion order (row number).
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]model.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != ix.cfg.Dimension {
		return nil, &DimensionMismatchError{Want: ix.cfg.Dimension, Got: len(query)}
	}
	if k <= 0 {
		return nil, nil
	}

	q := query
	if ix.cfg.Metric == distance.MetricCosine {
		normalized, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return nil, errors.New("hnsw: cannot search with a zero vector under cosine")
		}
		q = normalized
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.nodes) == 0 || len(ix.nodes) == int(ix.deleted.GetCardinality()) {
		return nil, ErrEmpty
	}

	cur := ix.entry
	for l := ix.maxLevel; l > 0; l-- {
		cur = ix.greedyClosest(q, cur, l)
	}
	ef := ix.cfg.EfSearch
	if ef < k {
		ef = k
	}
	candidates := ix.searchLayer(q, cur, ef, 0)

	results := make([]model.SearchResult, 0, k)
	for _, c := range candidates {
		if ix.deleted.Contains(c.row) {
			continue
		}
		results = append(results, model.SearchResult{ID: ix.nodes[c.row].id, Distance: c.dist})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

func (ix *Index) randomLevel() int {
	return int(math.Floor(-math.Log(ix.rng.Float64()) * ix.levelMul))
}

func (ix *Index) maxConns(level int) int {
	if level == 0 {
		return ix.cfg.M * 2
	}
	return ix.cfg.M
}

// greedyClosest walks level l from start toward the query until no
// neighbor improves.
func (ix *Index) greedyClosest(q []float32, start uint32, l int) uint32 {
	cur := start
	curDist := ix.dist(q, ix.nodes[cur].vec)
	for {
		improved := false
		if l < len(ix.nodes[cur].levels) {
			for _, nb := range ix.nodes[cur].levels[l] {
				if d := ix.dist(q, ix.nodes[nb].vec); d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scored struct {
	row  uint32
	dist float32
}

// minQueue pops the closest candidate first.
type minQueue []scored

func (q minQueue) Len() int { return len(q) }
func (q minQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].row < q[j].row
}
func (q minQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *minQueue) Push(x any)        { *q = append(*q, x.(scored)) }
func (q *minQueue) Pop() any          { old := *q; n := len(old); v := old[n-1]; *q = old[:n-1]; return v }

// maxQueue pops the farthest kept result first.
type maxQueue []scored

func (q maxQueue) Len() int { return len(q) }
func (q maxQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist > q[j].dist
	}
	return q[i].row > q[j].row
}
func (q maxQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *maxQueue) Push(x any)        { *q = append(*q, x.(scored)) }
func (q *maxQueue) Pop() any          { old := *q; n := len(old); v := old[n-1]; *q = old[:n-1]; return v }

// searchLayer is the beam search over one level, returning up to ef
// candidates sorted ascending by distance.
func (ix *Index) searchLayer(q []float32, entry uint32, ef, l int) []scored {
	visited := map[uint32]struct{}{entry: {}}
	start := scored{row: entry, dist: ix.dist(q, ix.nodes[entry].vec)}

	candidates := minQueue{start}
	heap.Init(&candidates)
	results := maxQueue{start}
	heap.Init(&results)

	for candidates.Len() > 0 {
		c := heap.Pop(&candidates).(scored)
		worst := results[0].dist
		if c.dist > worst && results.Len() >= ef {
			break
		}
		if l < len(ix.nodes[c.row].levels) {
			for _, nb := range ix.nodes[c.row].levels[l] {
				if _, seen := visited[nb]; seen {
					continue
				}
				visited[nb] = struct{}{}
				d := ix.dist(q, ix.nodes[nb].vec)
				if results.Len() < ef || d < results[0].dist {
					heap.Push(&candidates, scored{row: nb, dist: d})
					heap.Push(&results, scored{row: nb, dist: d})
					if results.Len() > ef {
						heap.Pop(&results)
					}
				}
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(scored)
	}
	return out
}

// selectNeighbors keeps the m closest candidates.
func (ix *Index) selectNeighbors(candidates []scored, m int) []uint32 {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	rows := make([]uint32, len(candidates))
	for i, c := range candidates {
		rows[i] = c.row
	}
	return rows
}

// link connects from → to at level l, pruning back to the connection cap.
func (ix *Index) link(from, to uint32, l int) {
	n := ix.nodes[from]
	if l >= len(n.levels) {
		return
	}
	n.levels[l] = append(n.levels[l], to)

	limit := ix.maxConns(l)
	if len(n.levels[l]) <= limit {
		return
	}
	// Over the connection cap: keep the closest.
	cands := make([]scored, 0, len(n.levels[l]))
	for _, nb := range n.levels[l] {
		cands = append(cands, scored{row: nb, dist: ix.dist(n.vec, ix.nodes[nb].vec)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].row < cands[j].row
	})
	n.levels[l] = ix.selectNeighbors(cands, limit)
}
