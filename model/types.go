package model

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// ContainerID is the stable 128-bit identifier of a container.
// It is assigned on first write and never changes.
type ContainerID = uuid.UUID

// NilID is the zero ContainerID. It is never a valid container id.
var NilID ContainerID

// idNamespace is the fixed namespace for content-derived ids.
// Deriving ids as UUIDv5 over the payload makes PutContainer idempotent:
// the same bytes always map to the same id.
var idNamespace = uuid.MustParse("8f3c9d2a-5b71-4e06-9c44-d1a2e7f0b358")

// DeriveID returns the content-derived id for a payload.
func DeriveID(payload []byte) ContainerID {
	return uuid.NewSHA1(idNamespace, payload)
}

// CompareIDs orders two ids by their big-endian byte representation.
func CompareIDs(a, b ContainerID) int {
	return bytes.Compare(a[:], b[:])
}

// Container is a stored record: stable id, opaque payload bytes, and an
// optional fixed-dimension embedding vector.
type Container struct {
	ID          ContainerID
	Payload     []byte
	PayloadHash uint64
	Version     uint32
	Embedding   []float32 // nil if none
	Created     time.Time
	Modified    time.Time
}

// Edge is a directed parent/child relationship tagged with a relation type.
// Edges are many-to-many and not guaranteed acyclic.
type Edge struct {
	Parent   ContainerID
	Child    ContainerID
	Relation string
	Ordinal  uint32
}

// Visit is one step of a traversal: a container id and its BFS depth
// relative to the traversal root.
type Visit struct {
	ID    ContainerID
	Depth int
}

// SearchResult is a ranked embedding-search match.
type SearchResult struct {
	ID       ContainerID
	Distance float32
}

// Mismatch reports a container whose stored payload no longer matches its
// recorded hash.
type Mismatch struct {
	ID       ContainerID
	Version  uint32
	Expected uint64
	Actual   uint64
}
