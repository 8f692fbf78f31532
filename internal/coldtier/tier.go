package coldtier

import (
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/zseilabs/zsei/internal/recio"
	"github.com/zseilabs/zsei/model"
)

// maxConcurrentMaterialize bounds parallel block decompression so a burst
// of cold reads cannot monopolize CPU and memory.
const maxConcurrentMaterialize = 4

// Tier is an open cold tier: block index plus a bounded page cache of
// decompressed blocks.
type Tier struct {
	path   string
	f      *os.File
	blocks []blockMeta
	index  map[versionKey]Ref

	cache *blockCache
	sem   *semaphore.Weighted
}

// Open loads the TOC of an existing cold tier file. cacheBytes bounds the
// decompressed page cache.
func Open(path string, cacheBytes int64) (*Tier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() < 4+footerSize {
		_ = f.Close()
		return nil, fmt.Errorf("coldtier: %s too short", path)
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], st.Size()-footerSize); err != nil {
		_ = f.Close()
		return nil, err
	}
	if binary.LittleEndian.Uint32(footer[8:]) != magic {
		_ = f.Close()
		return nil, fmt.Errorf("coldtier: %s: bad footer magic", path)
	}
	tocOff := int64(binary.LittleEndian.Uint64(footer[:]))
	if tocOff < 4 || tocOff > st.Size()-footerSize {
		_ = f.Close()
		return nil, fmt.Errorf("coldtier: %s: TOC offset %d out of range", path, tocOff)
	}

	toc := make([]byte, st.Size()-footerSize-tocOff)
	if _, err := f.ReadAt(toc, tocOff); err != nil {
		_ = f.Close()
		return nil, err
	}

	t := &Tier{
		path:  path,
		f:     f,
		index: make(map[versionKey]Ref),
		cache: newBlockCache(cacheBytes),
		sem:   semaphore.NewWeighted(maxConcurrentMaterialize),
	}

	off := 0
	if len(toc) < 8 {
		_ = f.Close()
		return nil, fmt.Errorf("coldtier: %s: truncated TOC", path)
	}
	nBlocks := int(binary.LittleEndian.Uint64(toc[off:]))
	off += 8
	if len(toc) < off+nBlocks*21+8 {
		_ = f.Close()
		return nil, fmt.Errorf("coldtier: %s: truncated TOC", path)
	}
	for i := 0; i < nBlocks; i++ {
		t.blocks = append(t.blocks, blockMeta{
			fileOff: int64(binary.LittleEndian.Uint64(toc[off:])),
			codec:   Codec(toc[off+8]),
			rawLen:  binary.LittleEndian.Uint32(toc[off+9:]),
			compLen: binary.LittleEndian.Uint32(toc[off+13:]),
			crc:     binary.LittleEndian.Uint32(toc[off+17:]),
		})
		off += 21
	}
	nEntries := int(binary.LittleEndian.Uint64(toc[off:]))
	off += 8
	if len(toc) < off+nEntries*28 {
		_ = f.Close()
		return nil, fmt.Errorf("coldtier: %s: truncated TOC", path)
	}
	for i := 0; i < nEntries; i++ {
		var key versionKey
		copy(key.id[:], toc[off:])
		key.version = binary.LittleEndian.Uint32(toc[off+16:])
		t.index[key] = Ref{
			Block: int(binary.LittleEndian.Uint32(toc[off+20:])),
			Off:   int64(binary.LittleEndian.Uint32(toc[off+24:])),
		}
		off += 28
	}
	return t, nil
}

// Contains reports whether (id, version) lives in the cold tier.
func (t *Tier) Contains(id model.ContainerID, version uint32) bool {
	_, ok := t.index[versionKey{id: id, version: version}]
	return ok
}

// Len returns the number of cold records.
func (t *Tier) Len() int { return len(t.index) }

// Range iterates the (id, version) keys in the TOC, in no particular
// order. Iteration stops when fn returns false.
func (t *Tier) Range(fn func(id model.ContainerID, version uint32) bool) {
	for key := range t.index {
		if !fn(key.id, key.version) {
			return
		}
	}
}

// Read materializes the record for (id, version).
func (t *Tier) Read(ctx context.Context, id model.ContainerID, version uint32) (recio.Record, error) {
	ref, ok := t.index[versionKey{id: id, version: version}]
	if !ok {
		return recio.Record{}, fmt.Errorf("coldtier: no record for %s v%d", id, version)
	}
	raw, err := t.materialize(ctx, ref.Block)
	if err != nil {
		return recio.Record{}, err
	}
	r, _, err := recio.Decode(raw, ref.Off)
	return r, err
}

// materialize returns the decompressed bytes of a block, via the page
// cache.
func (t *Tier) materialize(ctx context.Context, block int) ([]byte, error) {
	if raw, ok := t.cache.get(block); ok {
		return raw, nil
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	// Re-check after waiting: another goroutine may have filled it.
	if raw, ok := t.cache.peek(block); ok {
		return raw, nil
	}

	if block < 0 || block >= len(t.blocks) {
		return nil, fmt.Errorf("coldtier: block %d out of range", block)
	}
	meta := t.blocks[block]
	comp := make([]byte, meta.compLen)
	if _, err := t.f.ReadAt(comp, meta.fileOff); err != nil {
		return nil, err
	}
	if crc32.Checksum(comp, crcTable) != meta.crc {
		return nil, fmt.Errorf("coldtier: block %d checksum mismatch", block)
	}
	raw, err := decompressBlock(comp, meta.codec, meta.rawLen)
	if err != nil {
		return nil, err
	}
	t.cache.set(block, raw)
	return raw, nil
}

// Stats returns page-cache hit/miss counters.
func (t *Tier) Stats() (hits, misses int64) { return t.cache.stats() }

// Close releases the file handle.
func (t *Tier) Close() error {
	if t == nil || t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

// blockCache is a byte-bounded LRU of decompressed blocks.
type blockCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[int]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type blockEntry struct {
	block int
	raw   []byte
}

func newBlockCache(capacity int64) *blockCache {
	if capacity <= 0 {
		capacity = 16 << 20
	}
	return &blockCache{
		capacity:  capacity,
		items:     make(map[int]*list.Element),
		evictList: list.New(),
	}
}

func (c *blockCache) get(block int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[block]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*blockEntry).raw, true
	}
	c.misses.Add(1)
	return nil, false
}

// peek is a get that does not touch the hit/miss counters.
func (c *blockCache) peek(block int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.items[block]; ok {
		c.evictList.MoveToFront(ent)
		return ent.Value.(*blockEntry).raw, true
	}
	return nil, false
}

func (c *blockCache) set(block int, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(raw)) > c.capacity {
		return
	}
	if ent, ok := c.items[block]; ok {
		c.evictList.MoveToFront(ent)
		c.size += int64(len(raw)) - int64(len(ent.Value.(*blockEntry).raw))
		ent.Value.(*blockEntry).raw = raw
	} else {
		c.items[block] = c.evictList.PushFront(&blockEntry{block: block, raw: raw})
		c.size += int64(len(raw))
	}
	for c.size > c.capacity {
		back := c.evictList.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*blockEntry)
		c.evictList.Remove(back)
		delete(c.items, ent.block)
		c.size -= int64(len(ent.raw))
	}
}

func (c *blockCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
