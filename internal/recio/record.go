// Package recio implements the on-disk record format and the
// committed-length append files it lives in.
//
// Every data file (containers.bin, children.bin, parents.bin,
// quarantine.bin) is a sequence of framed records behind an 8-byte
// committed-length header. A record is
//
//	{u32 len, [16]byte id, u64 payload_hash, u32 version, body}
//
// little-endian, where len counts everything after itself. The header is
// advanced only after the appended payload bytes are fsynced, so it is the
// sole commit point: a crash leaves it pointing at the last fully durable
// record and readers can never observe a torn tail.
package recio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/zseilabs/zsei/model"
)

const (
	// HeaderSize is the committed-length header at the start of each file.
	HeaderSize = 8

	// recHeaderSize covers id + payload_hash + version.
	recHeaderSize = 16 + 8 + 4

	// tombstoneLen marks a container tombstone body (no payload, no
	// embedding). Regular payload lengths can never reach it.
	tombstoneLen = ^uint32(0)

	// MaxBodySize bounds a single record body. Guards the decoder against
	// garbage length prefixes; the write path refuses anything larger so a
	// committed record always decodes on reopen.
	MaxBodySize = 1 << 30

	// MaxEmbeddingDim bounds an embedding's float count. The dimension is
	// stored as a u16 in the container body.
	MaxEmbeddingDim = math.MaxUint16

	// MaxRelationLen bounds an edge relation. The length is stored as a
	// u16 in the edge body.
	MaxRelationLen = math.MaxUint16
)

// ContainerRecordSize returns the framed size (excluding the u32 length
// prefix) of a container record with the given payload length and
// embedding dimension. Writers compare it against MaxBodySize before
// encoding.
func ContainerRecordSize(payloadLen, embeddingDim int) int {
	return recHeaderSize + 4 + payloadLen + 2 + 4*embeddingDim + 8
}

// HashPayload computes the u64 payload hash stored in each record.
func HashPayload(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Record is a decoded on-disk record. Body aliases the underlying mapping;
// callers must copy before retaining past a remap.
type Record struct {
	ID          model.ContainerID
	PayloadHash uint64
	Version     uint32
	Body        []byte
}

// EncodeContainer frames a container record. A nil embedding is encoded as
// dimension zero. modified is the mutation timestamp in Unix nanoseconds.
func EncodeContainer(id model.ContainerID, version uint32, payload []byte, embedding []float32, modified int64) []byte {
	bodyLen := 4 + len(payload) + 2 + 4*len(embedding) + 8
	buf := make([]byte, 4+recHeaderSize+bodyLen)

	binary.LittleEndian.PutUint32(buf, uint32(recHeaderSize+bodyLen))
	copy(buf[4:], id[:])
	binary.LittleEndian.PutUint64(buf[20:], HashPayload(payload))
	binary.LittleEndian.PutUint32(buf[28:], version)

	body := buf[4+recHeaderSize:]
	binary.LittleEndian.PutUint32(body, uint32(len(payload)))
	copy(body[4:], payload)
	off := 4 + len(payload)
	binary.LittleEndian.PutUint16(body[off:], uint16(len(embedding)))
	off += 2
	for _, v := range embedding {
		binary.LittleEndian.PutUint32(body[off:], math.Float32bits(v))
		off += 4
	}
	binary.LittleEndian.PutUint64(body[off:], uint64(modified))
	return buf
}

// EncodeContainerTombstone frames a logical-delete marker for a container.
func EncodeContainerTombstone(id model.ContainerID, version uint32) []byte {
	buf := make([]byte, 4+recHeaderSize+4)
	binary.LittleEndian.PutUint32(buf, uint32(recHeaderSize+4))
	copy(buf[4:], id[:])
	binary.LittleEndian.PutUint32(buf[28:], version)
	binary.LittleEndian.PutUint32(buf[4+recHeaderSize:], tombstoneLen)
	return buf
}

// ContainerBody is the decoded body of a container record.
type ContainerBody struct {
	Payload   []byte
	Embedding []float32
	Modified  int64 // Unix nanoseconds
	Tombstone bool
}

// ParseContainerBody decodes a container record body.
func ParseContainerBody(body []byte) (ContainerBody, error) {
	if len(body) < 4 {
		return ContainerBody{}, fmt.Errorf("recio: container body too short: %d", len(body))
	}
	payloadLen := binary.LittleEndian.Uint32(body)
	if payloadLen == tombstoneLen {
		return ContainerBody{Tombstone: true}, nil
	}
	if int(payloadLen) > len(body)-4 {
		return ContainerBody{}, fmt.Errorf("recio: payload length %d exceeds body %d", payloadLen, len(body))
	}
	payload := body[4 : 4+payloadLen]
	rest := body[4+payloadLen:]
	if len(rest) < 2 {
		return ContainerBody{}, fmt.Errorf("recio: container body missing embedding header")
	}
	dim := int(binary.LittleEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < 4*dim {
		return ContainerBody{}, fmt.Errorf("recio: embedding truncated: want %d floats, have %d bytes", dim, len(rest))
	}
	var vec []float32
	if dim > 0 {
		vec = make([]float32, dim)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(rest[4*i:]))
		}
	}
	rest = rest[4*dim:]
	if len(rest) < 8 {
		return ContainerBody{}, fmt.Errorf("recio: container body missing timestamp")
	}
	modified := int64(binary.LittleEndian.Uint64(rest))
	return ContainerBody{Payload: payload, Embedding: vec, Modified: modified}, nil
}

// Edge body layout: {[16]parent, [16]child, u32 ordinal, u8 flags,
// u16 relLen, relation}. flags bit0 marks a tombstone.
const edgeFlagTombstone = 0x01

// EncodeEdge frames an edge record. keyID is the id the file is keyed by
// (parent in children.bin, child in parents.bin).
func EncodeEdge(keyID model.ContainerID, e model.Edge, tombstone bool) []byte {
	bodyLen := 16 + 16 + 4 + 1 + 2 + len(e.Relation)
	buf := make([]byte, 4+recHeaderSize+bodyLen)

	binary.LittleEndian.PutUint32(buf, uint32(recHeaderSize+bodyLen))
	copy(buf[4:], keyID[:])

	body := buf[4+recHeaderSize:]
	copy(body, e.Parent[:])
	copy(body[16:], e.Child[:])
	binary.LittleEndian.PutUint32(body[32:], e.Ordinal)
	if tombstone {
		body[36] = edgeFlagTombstone
	}
	binary.LittleEndian.PutUint16(body[37:], uint16(len(e.Relation)))
	copy(body[39:], e.Relation)
	return buf
}

// EdgeBody is the decoded body of an edge record.
type EdgeBody struct {
	Edge      model.Edge
	Tombstone bool
}

// ParseEdgeBody decodes an edge record body.
func ParseEdgeBody(body []byte) (EdgeBody, error) {
	if len(body) < 39 {
		return EdgeBody{}, fmt.Errorf("recio: edge body too short: %d", len(body))
	}
	var e model.Edge
	copy(e.Parent[:], body[:16])
	copy(e.Child[:], body[16:32])
	e.Ordinal = binary.LittleEndian.Uint32(body[32:])
	flags := body[36]
	relLen := int(binary.LittleEndian.Uint16(body[37:]))
	if len(body) < 39+relLen {
		return EdgeBody{}, fmt.Errorf("recio: edge relation truncated")
	}
	e.Relation = string(body[39 : 39+relLen])
	return EdgeBody{Edge: e, Tombstone: flags&edgeFlagTombstone != 0}, nil
}

// EncodeRaw re-frames an already-decoded record verbatim, preserving its
// stored hash. Compaction uses this so a corrupt record is never silently
// "fixed" by rehashing.
func EncodeRaw(r Record) []byte {
	buf := make([]byte, 4+recHeaderSize+len(r.Body))
	binary.LittleEndian.PutUint32(buf, uint32(recHeaderSize+len(r.Body)))
	copy(buf[4:], r.ID[:])
	binary.LittleEndian.PutUint64(buf[20:], r.PayloadHash)
	binary.LittleEndian.PutUint32(buf[28:], r.Version)
	copy(buf[4+recHeaderSize:], r.Body)
	return buf
}

// Decode reads the record starting at off within data, which must already
// be bounded by the committed length. Returns the record and the offset of
// the next one.
func Decode(data []byte, off int64) (Record, int64, error) {
	if off+4 > int64(len(data)) {
		return Record{}, 0, fmt.Errorf("recio: record header out of bounds at %d", off)
	}
	recLen := binary.LittleEndian.Uint32(data[off:])
	if recLen < recHeaderSize || recLen > MaxBodySize {
		return Record{}, 0, fmt.Errorf("recio: implausible record length %d at %d", recLen, off)
	}
	end := off + 4 + int64(recLen)
	if end > int64(len(data)) {
		return Record{}, 0, fmt.Errorf("recio: record at %d exceeds committed data", off)
	}
	var r Record
	copy(r.ID[:], data[off+4:])
	r.PayloadHash = binary.LittleEndian.Uint64(data[off+20:])
	r.Version = binary.LittleEndian.Uint32(data[off+28:])
	r.Body = data[off+4+recHeaderSize : end]
	return r, end, nil
}
