package store

import (
	"errors"
	"fmt"

	"github.com/zseilabs/zsei/model"
)

var (
	// ErrNotFound is returned when a container id is unknown or tombstoned.
	ErrNotFound = errors.New("store: container not found")

	// ErrIDCollision is returned when a put supplies an id that already
	// exists with a different payload.
	ErrIDCollision = errors.New("store: id collision")

	// ErrQuarantined is returned for containers marked permanently corrupt.
	// Operator intervention is required; the record is excluded from
	// traversal and search.
	ErrQuarantined = errors.New("store: container permanently corrupt")

	// ErrClosed is returned after the store handle has been closed.
	ErrClosed = errors.New("store: closed")

	// ErrPayloadTooLarge is returned when a payload would push the framed
	// record past the decodable maximum.
	ErrPayloadTooLarge = errors.New("store: payload too large")

	// ErrEmbeddingTooLarge is returned when an embedding exceeds the
	// representable dimension.
	ErrEmbeddingTooLarge = errors.New("store: embedding dimension too large")

	// ErrRelationTooLong is returned when an edge relation exceeds the
	// representable length.
	ErrRelationTooLong = errors.New("store: relation too long")
)

// CorruptError indicates a record whose payload no longer matches its
// stored hash.
//
// The repair cascade (recompute, roll back, quarantine) is driven by the
// integrity subsystem; the store only reports.
type CorruptError struct {
	ID       model.ContainerID
	Version  uint32
	Expected uint64
	Actual   uint64
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store: corrupt record %s v%d: hash expected %016x, got %016x",
		e.ID, e.Version, e.Expected, e.Actual)
}
