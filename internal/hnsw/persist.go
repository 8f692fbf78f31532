package hnsw

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/zseilabs/zsei/internal/distance"
	"github.com/zseilabs/zsei/model"
)

// Index snapshot file layout: {u32 magic, u32 format, u64 blobLen, gob
// blob, u32 crc32c(blob)}. A failed checksum or header mismatch is not
// fatal to the store: the caller rebuilds the index from container
// records.

const (
	snapshotMagic  = 0x5A494458 // "ZIDX"
	snapshotFormat = 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type persistNode struct {
	ID     model.ContainerID
	Vec    []float32
	Levels [][]uint32
}

type persistIndex struct {
	Dimension      int
	Metric         int
	M              int
	EfConstruction int
	EfSearch       int
	Nodes          []persistNode
	Deleted        []byte // roaring serialization
	Entry          uint32
	MaxLevel       int
}

// Save writes an atomic snapshot of the index to path (tmp + rename).
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	p := persistIndex{
		Dimension:      ix.cfg.Dimension,
		Metric:         int(ix.cfg.Metric),
		M:              ix.cfg.M,
		EfConstruction: ix.cfg.EfConstruction,
		EfSearch:       ix.cfg.EfSearch,
		Entry:          ix.entry,
		MaxLevel:       ix.maxLevel,
		Nodes:          make([]persistNode, len(ix.nodes)),
	}
	for i, n := range ix.nodes {
		p.Nodes[i] = persistNode{ID: n.id, Vec: n.vec, Levels: n.levels}
	}
	deleted, err := ix.deleted.ToBytes()
	ix.mu.RUnlock()
	if err != nil {
		return err
	}
	p.Deleted = deleted

	var blob bytes.Buffer
	if err := gob.NewEncoder(&blob).Encode(&p); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[:], snapshotMagic)
	binary.LittleEndian.PutUint32(hdr[4:], snapshotFormat)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(blob.Len()))
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.Checksum(blob.Bytes(), crcTable))

	for _, chunk := range [][]byte{hdr[:], blob.Bytes(), trailer[:]} {
		if _, err := f.Write(chunk); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a snapshot. The snapshot's construction parameters win over
// cfg defaults; cfg.Dimension, when set, must agree.
func Load(path string, cfg Config) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 16+4 {
		return nil, fmt.Errorf("hnsw: snapshot %s too short", path)
	}
	if binary.LittleEndian.Uint32(raw) != snapshotMagic {
		return nil, fmt.Errorf("hnsw: snapshot %s: bad magic", path)
	}
	if format := binary.LittleEndian.Uint32(raw[4:]); format != snapshotFormat {
		return nil, fmt.Errorf("hnsw: snapshot %s: unsupported format %d", path, format)
	}
	blobLen := binary.LittleEndian.Uint64(raw[8:])
	if uint64(len(raw)) != 16+blobLen+4 {
		return nil, fmt.Errorf("hnsw: snapshot %s: truncated", path)
	}
	blob := raw[16 : 16+blobLen]
	want := binary.LittleEndian.Uint32(raw[16+blobLen:])
	if got := crc32.Checksum(blob, crcTable); got != want {
		return nil, fmt.Errorf("hnsw: snapshot %s: checksum mismatch (%08x != %08x)", path, got, want)
	}

	var p persistIndex
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&p); err != nil {
		return nil, fmt.Errorf("hnsw: snapshot %s: %w", path, err)
	}
	if cfg.Dimension != 0 && cfg.Dimension != p.Dimension {
		return nil, &DimensionMismatchError{Want: cfg.Dimension, Got: p.Dimension}
	}

	ix, err := New(Config{
		Dimension:      p.Dimension,
		Metric:         distance.Metric(p.Metric),
		M:              p.M,
		EfConstruction: p.EfConstruction,
		EfSearch:       p.EfSearch,
		Seed:           cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	ix.nodes = make([]*node, len(p.Nodes))
	for i, pn := range p.Nodes {
		ix.nodes[i] = &node{id: pn.ID, vec: pn.Vec, levels: pn.Levels}
	}
	ix.deleted = roaring.New()
	if len(p.Deleted) > 0 {
		if err := ix.deleted.UnmarshalBinary(p.Deleted); err != nil {
			return nil, fmt.Errorf("hnsw: snapshot %s: deleted bitmap: %w", path, err)
		}
	}
	for row, n := range ix.nodes {
		if !ix.deleted.Contains(uint32(row)) {
			ix.rows[n.id] = uint32(row)
		}
	}
	ix.entry = p.Entry
	ix.maxLevel = p.MaxLevel
	if len(ix.nodes) == 0 {
		ix.maxLevel = -1
	}
	return ix, nil
}
