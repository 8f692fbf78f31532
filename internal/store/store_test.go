package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zseilabs/zsei/internal/coldtier"
	"github.com/zseilabs/zsei/internal/flock"
	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store, payload string) model.ContainerID {
	t.Helper()
	id := model.DeriveID([]byte(payload))
	_, _, err := s.Put(context.Background(), id, []byte(payload), nil)
	require.NoError(t, err)
	return id
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	embedding := []float32{1, 2, 3}
	id := model.DeriveID(payload)

	c, created, err := s.Put(ctx, id, payload, embedding)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint32(1), c.Version)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, embedding, got.Embedding)
	assert.Equal(t, recio.HashPayload(payload), got.PayloadHash)
	assert.Equal(t, uint32(1), got.Version)
	assert.False(t, got.Modified.IsZero())
}

func TestPutIdempotentAndCollision(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	payload := []byte("same bytes")
	id := model.DeriveID(payload)

	_, created, err := s.Put(ctx, id, payload, nil)
	require.NoError(t, err)
	assert.True(t, created)

	c, created, err := s.Put(ctx, id, payload, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, uint32(1), c.Version)

	_, _, err = s.Put(ctx, id, []byte("different bytes"), nil)
	assert.ErrorIs(t, err, ErrIDCollision)
}

func TestUpdateCreatesVersions(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	id := mustPut(t, s, "v1 payload")
	c, err := s.Update(ctx, id, []byte("v2 payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c.Version)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2 payload"), got.Payload)

	old, err := s.GetVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1 payload"), old.Payload)

	_, err = s.GetVersion(ctx, id, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateKeepsEmbeddingWhenNil(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	payload := []byte("with vector")
	id := model.DeriveID(payload)
	_, _, err := s.Put(ctx, id, payload, []float32{4, 5, 6})
	require.NoError(t, err)

	_, err = s.Update(ctx, id, []byte("new payload"), nil)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, got.Embedding)
}

func TestDeleteTombstones(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	id := mustPut(t, s, "to delete")
	require.NoError(t, s.Delete(ctx, id))

	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)

	// Prior version stays readable until compaction.
	old, err := s.GetVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("to delete"), old.Payload)

	// Re-putting resurrects with the next version.
	c, created, err := s.Put(ctx, id, []byte("to delete"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint32(3), c.Version)
}

func TestGetUnknownID(t *testing.T) {
	s := openStore(t, Options{})
	_, err := s.Get(context.Background(), model.DeriveID([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, Options{Dir: dir})
	id := mustPut(t, s, "durable")
	parent := mustPut(t, s, "parent")
	_, err := s.PutEdge(ctx, parent, id, "contains")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, Options{Dir: dir})
	got, err := s2.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got.Payload)

	children, err := s2.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{id}, children)
}

func TestSingleWriterLock(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, Options{Dir: dir})
	_ = s

	_, err := Open(Options{Dir: dir})
	assert.ErrorIs(t, err, flock.ErrContended)
}

func TestEdgeSymmetry(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	parent := mustPut(t, s, "p")
	a := mustPut(t, s, "a")
	b := mustPut(t, s, "b")

	_, err := s.PutEdge(ctx, parent, a, "contains")
	require.NoError(t, err)
	_, err = s.PutEdge(ctx, parent, b, "contains")
	require.NoError(t, err)

	children, err := s.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{a, b}, children)

	parents, err := s.GetParents(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{parent}, parents)

	require.NoError(t, s.DeleteEdge(ctx, parent, a, "contains"))
	children, err = s.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{b}, children)
	parents, err = s.GetParents(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestEdgeOrdinalsFixOrdering(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	parent := mustPut(t, s, "root")
	// Insert in an order unrelated to id ordering.
	names := []string{"zeta", "alpha", "mike"}
	want := make([]model.ContainerID, len(names))
	for i, n := range names {
		want[i] = mustPut(t, s, n)
		_, err := s.PutEdge(ctx, parent, want[i], "contains")
		require.NoError(t, err)
	}

	children, err := s.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, want, children, "children keep insertion order, not id order")
}

func TestEdgeIdempotentPut(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	parent := mustPut(t, s, "p2")
	child := mustPut(t, s, "c2")

	e1, err := s.PutEdge(ctx, parent, child, "ref")
	require.NoError(t, err)
	e2, err := s.PutEdge(ctx, parent, child, "ref")
	require.NoError(t, err)
	assert.Equal(t, e1, e2)

	children, err := s.GetChildren(ctx, parent, "ref")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestEdgeRequiresEndpoints(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	parent := mustPut(t, s, "exists")
	_, err := s.PutEdge(ctx, parent, model.DeriveID([]byte("ghost")), "contains")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteEdge(ctx, parent, parent, "contains"), ErrNotFound)
}

func TestGetChildrenAllRelations(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	parent := mustPut(t, s, "multi")
	a := mustPut(t, s, "A")
	b := mustPut(t, s, "B")

	_, err := s.PutEdge(ctx, parent, b, "refines")
	require.NoError(t, err)
	_, err = s.PutEdge(ctx, parent, a, "contains")
	require.NoError(t, err)

	// Empty relation merges all relations in name order.
	children, err := s.GetChildren(ctx, parent, "")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{a, b}, children)
}

// Crash between the two adjacency commits: the edge lands in children.bin
// only. Reopen must restore symmetry.
func TestReconcileRestoresEdgeSymmetry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, Options{Dir: dir})
	parent := mustPut(t, s, "rp")
	child := mustPut(t, s, "rc")
	require.NoError(t, s.Close())

	// Simulate the torn write directly against children.bin.
	w, err := recio.OpenWriter(filepath.Join(dir, "children.bin"))
	require.NoError(t, err)
	e := model.Edge{Parent: parent, Child: child, Relation: "contains"}
	_, err = w.Append(recio.EncodeEdge(parent, e, false))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	require.NoError(t, w.Close())

	s2 := openStore(t, Options{Dir: dir})
	children, err := s2.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{child}, children)

	parents, err := s2.GetParents(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{parent}, parents)

	// And the repair is durable: a third open sees the same state.
	require.NoError(t, s2.Close())
	s3 := openStore(t, Options{Dir: dir})
	parents, err = s3.GetParents(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{parent}, parents)
}

func TestQuarantineExcludesContainer(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, Options{Dir: dir})
	id := mustPut(t, s, "suspect")
	require.NoError(t, s.MarkQuarantined(ctx, id))

	_, err := s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrQuarantined)
	assert.False(t, s.Exists(id))

	_, _, err = s.Put(ctx, id, []byte("suspect"), nil)
	assert.ErrorIs(t, err, ErrQuarantined)

	// Marker survives reopen.
	require.NoError(t, s.Close())
	s2 := openStore(t, Options{Dir: dir})
	assert.True(t, s2.IsQuarantined(id))
}

func TestVerifyVersionDetectsNothingOnCleanData(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	id := mustPut(t, s, "clean")
	_, bad, err := s.VerifyVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, bad)
}

func TestLiveIDsSharding(t *testing.T) {
	s := openStore(t, Options{})
	ids := map[model.ContainerID]bool{}
	for i := 0; i < 20; i++ {
		ids[mustPut(t, s, string(rune('a'+i)))] = false
	}

	const shards = 4
	total := 0
	for shard := 0; shard < shards; shard++ {
		for _, id := range s.LiveIDs(shard, shards) {
			assert.False(t, ids[id], "id appears in two shards")
			ids[id] = true
			total++
		}
	}
	assert.Equal(t, 20, total)
}

func TestCompactRetention(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, Options{Dir: dir, MaxVersionsRetained: 2})
	id := mustPut(t, s, "r1")
	_, err := s.Update(ctx, id, []byte("r2"), nil)
	require.NoError(t, err)
	_, err = s.Update(ctx, id, []byte("r3"), nil)
	require.NoError(t, err)

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ContainersKept)
	assert.Equal(t, 1, stats.VersionsPruned)

	// v2 and v3 survive, v1 is gone.
	_, err = s.GetVersion(ctx, id, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	v2, err := s.GetVersion(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("r2"), v2.Payload)
	v3, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("r3"), v3.Payload)
	assert.Equal(t, uint32(3), v3.Version)
}

func TestCompactDropsTombstonedAndEdges(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Options{})

	keep := mustPut(t, s, "keeper")
	gone := mustPut(t, s, "goner")
	_, err := s.PutEdge(ctx, keep, gone, "contains")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, gone))

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ContainersDropped)
	assert.Equal(t, 1, stats.EdgesDropped)

	_, err = s.GetVersion(ctx, gone, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	children, err := s.GetChildren(ctx, keep, "contains")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestCompactMigratesToColdTier(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, Options{Dir: dir, MaxVersionsRetained: 3, Compression: coldtier.CodecLZ4})
	id := mustPut(t, s, "cold v1")
	_, err := s.Update(ctx, id, []byte("cold v2"), nil)
	require.NoError(t, err)
	_, err = s.Update(ctx, id, []byte("cold v3"), nil)
	require.NoError(t, err)

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.VersionsMigrated)

	_, _, records := s.ColdStats()
	assert.Equal(t, 2, records)

	// Cold versions stay readable, newest stays hot.
	v1, err := s.GetVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("cold v1"), v1.Payload)
	v3, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("cold v3"), v3.Payload)

	// And across reopen.
	require.NoError(t, s.Close())
	s2 := openStore(t, Options{Dir: dir, MaxVersionsRetained: 3, Compression: coldtier.CodecLZ4})
	v2, err := s2.GetVersion(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cold v2"), v2.Payload)
}

func TestHotPathCacheInvalidation(t *testing.T) {
	s := openStore(t, Options{HotPathCacheSize: 16})
	ctx := context.Background()

	parent := mustPut(t, s, "cached parent")
	a := mustPut(t, s, "child a")
	_, err := s.PutEdge(ctx, parent, a, "contains")
	require.NoError(t, err)

	first, err := s.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	second, err := s.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	hits, _ := s.CacheStats()
	assert.Equal(t, int64(1), hits)

	// Mutation invalidates; the next read reflects the new edge set.
	b := mustPut(t, s, "child b")
	_, err = s.PutEdge(ctx, parent, b, "contains")
	require.NoError(t, err)

	children, err := s.GetChildren(ctx, parent, "contains")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{a, b}, children)
}

func TestDisableMmapReadsStillWork(t *testing.T) {
	s := openStore(t, Options{DisableMmap: true})
	ctx := context.Background()

	id := mustPut(t, s, "buffered read")
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("buffered read"), got.Payload)
}

func TestContextCancellation(t *testing.T) {
	s := openStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := model.DeriveID([]byte("ctx"))
	_, _, err := s.Put(ctx, id, []byte("ctx"), nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

// Readers copy payloads out of mapping snapshots after releasing stateMu,
// so commits and compaction swaps must never unmap a view a reader still
// holds. This hammers Get against Update and periodic Compact.
func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := openStore(t, Options{MaxVersionsRetained: 2})
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x5A}, 32<<10)
	id := model.DeriveID(payload)
	_, _, err := s.Put(ctx, id, payload, []float32{1, 0, 0})
	require.NoError(t, err)

	var done atomic.Bool
	errCh := make(chan error, 8)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				c, err := s.Get(ctx, id)
				if err != nil {
					errCh <- err
					return
				}
				if len(c.Payload) != len(payload) {
					errCh <- fmt.Errorf("payload length %d, want %d", len(c.Payload), len(payload))
					return
				}
			}
		}()
	}

	for i := 0; i < 150; i++ {
		next := bytes.Repeat([]byte{byte(i)}, 32<<10)
		if _, err := s.Update(ctx, id, next, nil); err != nil {
			done.Store(true)
			wg.Wait()
			t.Fatalf("update: %v", err)
		}
		if i%50 == 49 {
			if _, err := s.Compact(ctx); err != nil {
				done.Store(true)
				wg.Wait()
				t.Fatalf("compact: %v", err)
			}
		}
	}
	done.Store(true)
	wg.Wait()

	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent read: %v", err)
	}
}

// Oversized writes are refused up front: a record past the decodable
// maximum would commit fine and then brick the file on reopen.
func TestPutRejectsOversizedRecords(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	// The embedding dimension is stored as a u16.
	tooWide := make([]float32, recio.MaxEmbeddingDim+1)
	_, _, err := s.Put(ctx, model.DeriveID([]byte("wide")), []byte("wide"), tooWide)
	assert.ErrorIs(t, err, ErrEmbeddingTooLarge)

	// The size check runs before any byte of the payload is read, so the
	// oversized slice stays untouched virtual memory.
	huge := make([]byte, recio.MaxBodySize)
	_, _, err = s.Put(ctx, model.DeriveID([]byte("huge")), huge, nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	id := mustPut(t, s, "still fine")
	_, err = s.Update(ctx, id, huge, nil)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPutEdgeRejectsOversizedRelation(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()

	parent := mustPut(t, s, "rel p")
	child := mustPut(t, s, "rel c")
	long := string(bytes.Repeat([]byte{'r'}, recio.MaxRelationLen+1))
	_, err := s.PutEdge(ctx, parent, child, long)
	assert.ErrorIs(t, err, ErrRelationTooLong)
}
