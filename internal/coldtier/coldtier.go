// Package coldtier stores non-newest retained container versions as
// compressed blocks. The hot tier stays uncompressed for zero-copy mmap
// reads; cold reads materialize whole blocks through a bounded page cache.
//
// File layout: {magic u32} {blocks...} {TOC} {footer}. A block is
// {u8 codec, u32 rawLen, u32 compLen, u32 crc, data}; raw bytes are a
// concatenation of framed records (recio framing). The TOC maps
// (id, version) to (block, offset) so opening never decompresses.
package coldtier

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/zseilabs/zsei/model"
)

// Codec selects the block compression algorithm.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZSTD Codec = 2
)

// ParseCodec parses the config-surface compression name.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none", "off":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZSTD, nil
	default:
		return 0, fmt.Errorf("coldtier: unknown compression codec %q", s)
	}
}

const (
	magic            = 0x5A434C44 // "ZCLD"
	footerSize       = 12         // u64 tocOff + u32 magic
	defaultBlockSize = 256 << 10
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type versionKey struct {
	id      model.ContainerID
	version uint32
}

// Ref locates one record inside the tier.
type Ref struct {
	Block int
	Off   int64
}

type blockMeta struct {
	fileOff int64
	codec   Codec
	rawLen  uint32
	compLen uint32
	crc     uint32
}

func compressBlock(raw []byte, codec Codec) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return raw, CodecNone, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		var c lz4.Compressor
		n, err := c.CompressBlock(raw, dst)
		if err != nil {
			return nil, 0, err
		}
		if n == 0 || n >= len(raw) {
			// Incompressible: store raw.
			return raw, CodecNone, nil
		}
		return dst[:n], CodecLZ4, nil
	case CodecZSTD:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, 0, err
		}
		defer enc.Close()
		dst := enc.EncodeAll(raw, nil)
		if len(dst) >= len(raw) {
			return raw, CodecNone, nil
		}
		return dst, CodecZSTD, nil
	default:
		return nil, 0, fmt.Errorf("coldtier: unknown codec %d", codec)
	}
}

func decompressBlock(comp []byte, codec Codec, rawLen uint32) ([]byte, error) {
	switch codec {
	case CodecNone:
		return comp, nil
	case CodecLZ4:
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(comp, raw)
		if err != nil {
			return nil, err
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("coldtier: lz4 block decoded to %d bytes, want %d", n, rawLen)
		}
		return raw, nil
	case CodecZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(comp, make([]byte, 0, rawLen))
		if err != nil {
			return nil, err
		}
		if uint32(len(raw)) != rawLen {
			return nil, fmt.Errorf("coldtier: zstd block decoded to %d bytes, want %d", len(raw), rawLen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("coldtier: unknown codec %d", codec)
	}
}

// Writer builds a cold tier file. It is used only during compaction and is
// not safe for concurrent use.
type Writer struct {
	f         *os.File
	path      string
	codec     Codec
	blockSize int

	raw     []byte
	fileOff int64
	blocks  []blockMeta
	entries []tocEntry
}

type tocEntry struct {
	key   versionKey
	block uint32
	off   uint32
}

// NewWriter starts writing a cold tier file at path (typically a .tmp that
// the compactor renames into place).
func NewWriter(path string, codec Codec) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], magic)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, path: path, codec: codec, blockSize: defaultBlockSize, fileOff: 4}, nil
}

// Add appends one framed record for (id, version) to the tier.
func (w *Writer) Add(id model.ContainerID, version uint32, framed []byte) error {
	w.entries = append(w.entries, tocEntry{
		key:   versionKey{id: id, version: version},
		block: uint32(len(w.blocks)),
		off:   uint32(len(w.raw)),
	})
	w.raw = append(w.raw, framed...)
	if len(w.raw) >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.raw) == 0 {
		return nil
	}
	comp, codec, err := compressBlock(w.raw, w.codec)
	if err != nil {
		return err
	}

	hdr := make([]byte, 13)
	hdr[0] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(w.raw)))
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(comp)))
	binary.LittleEndian.PutUint32(hdr[9:], crc32.Checksum(comp, crcTable))
	if _, err := w.f.Write(hdr); err != nil {
		return err
	}
	if _, err := w.f.Write(comp); err != nil {
		return err
	}

	w.blocks = append(w.blocks, blockMeta{
		fileOff: w.fileOff + 13,
		codec:   codec,
		rawLen:  uint32(len(w.raw)),
		compLen: uint32(len(comp)),
		crc:     crc32.Checksum(comp, crcTable),
	})
	w.fileOff += 13 + int64(len(comp))
	w.raw = w.raw[:0]
	return nil
}

// Finish flushes the last block, writes the TOC and footer, and fsyncs.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	tocOff := w.fileOff
	buf := make([]byte, 8+len(w.blocks)*21+8+len(w.entries)*28)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(w.blocks)))
	off += 8
	for _, b := range w.blocks {
		binary.LittleEndian.PutUint64(buf[off:], uint64(b.fileOff))
		buf[off+8] = byte(b.codec)
		binary.LittleEndian.PutUint32(buf[off+9:], b.rawLen)
		binary.LittleEndian.PutUint32(buf[off+13:], b.compLen)
		binary.LittleEndian.PutUint32(buf[off+17:], b.crc)
		off += 21
	}
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(w.entries)))
	off += 8
	for _, e := range w.entries {
		copy(buf[off:], e.key.id[:])
		binary.LittleEndian.PutUint32(buf[off+16:], e.key.version)
		binary.LittleEndian.PutUint32(buf[off+20:], e.block)
		binary.LittleEndian.PutUint32(buf[off+24:], e.off)
		off += 28
	}
	if _, err := w.f.Write(buf); err != nil {
		return err
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[:], uint64(tocOff))
	binary.LittleEndian.PutUint32(footer[8:], magic)
	if _, err := w.f.Write(footer[:]); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	return w.f.Close()
}

// Abort discards the writer and its partial file.
func (w *Writer) Abort() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
}
