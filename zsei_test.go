package zsei

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zseilabs/zsei/model"
)

func openTestStore(t *testing.T, optFns ...Option) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), append([]Option{WithLogger(NoopLogger())}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := []byte("hello container")
	id, err := s.PutContainer(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, model.DeriveID(payload), id)

	got, err := s.GetContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, uint32(1), got.Version)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.GetContainer(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutIsContentIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := []byte("same bytes twice")
	id1, err := s.PutContainer(ctx, payload)
	require.NoError(t, err)
	id2, err := s.PutContainer(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Stats().Containers)
}

func TestPutWithExplicitID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := model.DeriveID([]byte("my stable handle"))
	got, err := s.PutContainer(ctx, []byte("body"), WithID(id))
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.PutContainer(ctx, []byte("other body"), WithID(id))
	assert.ErrorIs(t, err, ErrIDCollision)
}

func TestUpdateAndVersionedGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.PutContainer(ctx, []byte("v1"))
	require.NoError(t, err)
	version, err := s.UpdateContainer(ctx, id, []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), version)

	old, err := s.GetContainerVersion(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), old.Payload)

	_, err = s.UpdateContainer(ctx, model.DeriveID([]byte("unknown")), []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEdgesAndTraversal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.PutContainer(ctx, []byte("root"))
	require.NoError(t, err)
	a, err := s.PutContainer(ctx, []byte("child a"))
	require.NoError(t, err)
	b, err := s.PutContainer(ctx, []byte("child b"))
	require.NoError(t, err)
	leaf, err := s.PutContainer(ctx, []byte("leaf"))
	require.NoError(t, err)

	require.NoError(t, s.PutEdge(ctx, root, a, "contains"))
	require.NoError(t, s.PutEdge(ctx, root, b, "contains"))
	require.NoError(t, s.PutEdge(ctx, a, leaf, "contains"))

	children, err := s.GetChildren(ctx, root, "contains")
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{a, b}, children)

	parents, err := s.GetParents(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, []model.ContainerID{a}, parents)

	var visits []model.Visit
	for v, err := range s.Traverse(ctx, root) {
		require.NoError(t, err)
		visits = append(visits, v)
	}
	require.Len(t, visits, 4)
	assert.Equal(t, root, visits[0].ID)
	assert.Equal(t, 2, visits[3].Depth)

	// Depth bound cuts the leaf off.
	visits = visits[:0]
	for v, err := range s.Traverse(ctx, root, WithMaxDepth(1)) {
		require.NoError(t, err)
		visits = append(visits, v)
	}
	assert.Len(t, visits, 3)

	for _, err := range s.Traverse(ctx, model.DeriveID([]byte("nowhere"))) {
		assert.ErrorIs(t, err, ErrRootNotFound)
	}
}

func TestSearchByEmbedding(t *testing.T) {
	s := openTestStore(t, WithDimension(2), WithRandomSeed(7))
	ctx := context.Background()

	north, err := s.PutContainer(ctx, []byte("north"), WithEmbedding([]float32{0, 1}))
	require.NoError(t, err)
	_, err = s.PutContainer(ctx, []byte("east"), WithEmbedding([]float32{1, 0}))
	require.NoError(t, err)
	_, err = s.PutContainer(ctx, []byte("far"), WithEmbedding([]float32{50, 50}))
	require.NoError(t, err)

	results, err := s.Search(ctx, []float32{0.1, 0.9}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, north, results[0].ID)
	assert.LessOrEqual(t, results[0].Distance, results[1].Distance)

	_, err = s.Search(ctx, []float32{0, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestSearchDimensionMismatch(t *testing.T) {
	s := openTestStore(t, WithDimension(3))
	ctx := context.Background()

	_, err := s.PutContainer(ctx, []byte("bad vector"), WithEmbedding([]float32{1, 2}))
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 3, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)

	// The rejected put left nothing behind.
	assert.Zero(t, s.Stats().Containers)
}

func TestIndexRebuildAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, WithLogger(NoopLogger()), WithDimension(2))
	require.NoError(t, err)
	id, err := s.PutContainer(ctx, []byte("persisted vector"), WithEmbedding([]float32{3, 4}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Remove the snapshot to force a rebuild from container records.
	require.NoError(t, os.Remove(filepath.Join(dir, "embeddings.idx")))

	s2, err := Open(dir, WithLogger(NoopLogger()), WithDimension(2))
	require.NoError(t, err)
	defer s2.Close()

	results, err := s2.Search(ctx, []float32{3, 4}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestAutoRepairOnCorruptGet(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, WithLogger(NoopLogger()))
	require.NoError(t, err)
	v1 := []byte("first version stays good 123456")
	v2 := []byte("second version goes bad abcdef")
	id, err := s.PutContainer(ctx, v1)
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, id, v2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Flip a byte inside v2's on-disk payload.
	path := filepath.Join(dir, "containers.bin")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	i := bytes.Index(raw, v2)
	require.GreaterOrEqual(t, i, 0)
	raw[i] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	s2, err := Open(dir, WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer s2.Close()

	// The read self-heals: rollback to v1, surfaced as a new version.
	got, err := s2.GetContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v1, got.Payload)
	assert.Equal(t, uint32(3), got.Version)
}

func TestRepairQuarantineSurfacesPermanentCorruption(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, WithLogger(NoopLogger()), WithAutoRepair(false))
	require.NoError(t, err)
	payload := []byte("single version, soon corrupt 999")
	id, err := s.PutContainer(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "containers.bin")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	i := bytes.Index(raw, payload)
	require.GreaterOrEqual(t, i, 0)
	raw[i] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	s2, err := Open(dir, WithLogger(NoopLogger()), WithAutoRepair(false))
	require.NoError(t, err)
	defer s2.Close()

	// With auto-repair off the corruption surfaces as a typed error.
	_, err = s2.GetContainer(ctx, id)
	var corrupt *ErrCorruptRecord
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, id, corrupt.ID)

	res, err := s2.Verify(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.OK)

	outcome, err := s2.Repair(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RepairQuarantined, outcome)

	_, err = s2.GetContainer(ctx, id)
	assert.ErrorIs(t, err, ErrPermanentlyCorrupt)
}

func TestCompactionThroughFacade(t *testing.T) {
	s := openTestStore(t, WithMaxVersionsRetained(1), WithCompression("zstd"))
	ctx := context.Background()

	id, err := s.PutContainer(ctx, []byte("c1"))
	require.NoError(t, err)
	_, err = s.UpdateContainer(ctx, id, []byte("c2"))
	require.NoError(t, err)

	doomed, err := s.PutContainer(ctx, []byte("doomed"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, doomed))

	stats, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ContainersKept)
	assert.Equal(t, 1, stats.ContainersDropped)
	// One excess version pruned from the kept chain plus the two records
	// (version and tombstone) of the dropped one.
	assert.Equal(t, 3, stats.VersionsPruned)

	got, err := s.GetContainer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("c2"), got.Payload)
}

func TestBuilderOpensStore(t *testing.T) {
	s, err := New(t.TempDir()).
		Dimension(2).
		Cosine().
		M(8).
		EFSearch(32).
		MaxVersionsRetained(3).
		LZ4().
		HotPathCacheSize(64).
		AutoRepair(true).
		Logger(NoopLogger()).
		Build()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.PutContainer(ctx, []byte("built"), WithEmbedding([]float32{1, 1}))
	require.NoError(t, err)

	results, err := s.Search(ctx, []float32{2, 2}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestLockContention(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, WithLogger(NoopLogger()))
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, WithLogger(NoopLogger()))
	assert.ErrorIs(t, err, ErrLockContention)
}

func TestStatsCounters(t *testing.T) {
	s := openTestStore(t, WithDimension(2))
	ctx := context.Background()

	_, err := s.PutContainer(ctx, []byte("one"), WithEmbedding([]float32{1, 0}))
	require.NoError(t, err)
	_, err = s.PutContainer(ctx, []byte("two"), WithEmbedding([]float32{0, 1}))
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.Containers)
	assert.Equal(t, 2, st.IndexedVectors)
}

func TestBasicMetricsCollector(t *testing.T) {
	mc := &BasicMetricsCollector{}
	s := openTestStore(t, WithMetricsCollector(mc))
	ctx := context.Background()

	id, err := s.PutContainer(ctx, []byte("measured"))
	require.NoError(t, err)
	_, err = s.GetContainer(ctx, id)
	require.NoError(t, err)
	_, err = s.GetContainer(ctx, model.DeriveID([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)

	stats := mc.GetStats()
	assert.Equal(t, int64(1), stats.PutCount)
	assert.Equal(t, int64(2), stats.GetCount)
	assert.Equal(t, int64(1), stats.GetErrors)
}
