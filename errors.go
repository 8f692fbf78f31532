package zsei

import (
	"errors"
	"fmt"

	"github.com/zseilabs/zsei/internal/flock"
	"github.com/zseilabs/zsei/internal/hnsw"
	"github.com/zseilabs/zsei/internal/store"
	"github.com/zseilabs/zsei/internal/traverse"
	"github.com/zseilabs/zsei/model"
)

var (
	// ErrNotFound is returned when a container or edge does not exist or
	// has been deleted.
	ErrNotFound = errors.New("not found")

	// ErrIDCollision is returned when a caller-supplied id already exists
	// with a different payload.
	ErrIDCollision = errors.New("id collision")

	// ErrPermanentlyCorrupt is returned for containers the repair cascade
	// gave up on. Operator intervention is required.
	ErrPermanentlyCorrupt = errors.New("permanently corrupt")

	// ErrIndexUnavailable is returned by Search when no embedding index
	// exists and rebuilding is disabled or impossible.
	ErrIndexUnavailable = errors.New("embedding index unavailable")

	// ErrLockContention is returned when another process holds the store
	// directory's advisory lock.
	ErrLockContention = errors.New("store locked by another process")

	// ErrRootNotFound is returned when a traversal root does not exist.
	ErrRootNotFound = errors.New("traversal root not found")

	// ErrInvalidK is returned when a search k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned on any operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrTooLarge is returned when a payload, embedding or relation exceeds
	// the record format's limits.
	ErrTooLarge = errors.New("record too large")
)

// ErrCorruptRecord indicates a payload that no longer matches its stored
// hash. With auto-repair enabled the store runs the repair cascade before
// surfacing this.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrCorruptRecord struct {
	ID       model.ContainerID
	Version  uint32
	Expected uint64
	Actual   uint64
	cause    error
}

func (e *ErrCorruptRecord) Error() string {
	return fmt.Sprintf("corrupt record %s v%d: hash expected %016x, got %016x",
		e.ID, e.Version, e.Expected, e.Actual)
}

func (e *ErrCorruptRecord) Unwrap() error { return e.cause }

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, hnsw.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, traverse.ErrRootNotFound) {
		return fmt.Errorf("%w: %w", ErrRootNotFound, err)
	}

	if errors.Is(err, store.ErrIDCollision) {
		return fmt.Errorf("%w: %w", ErrIDCollision, err)
	}
	if errors.Is(err, store.ErrQuarantined) {
		return fmt.Errorf("%w: %w", ErrPermanentlyCorrupt, err)
	}
	if errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, store.ErrPayloadTooLarge) || errors.Is(err, store.ErrEmbeddingTooLarge) ||
		errors.Is(err, store.ErrRelationTooLong) {
		return fmt.Errorf("%w: %w", ErrTooLarge, err)
	}
	if errors.Is(err, flock.ErrContended) {
		return fmt.Errorf("%w: %w", ErrLockContention, err)
	}

	var corrupt *store.CorruptError
	if errors.As(err, &corrupt) {
		return &ErrCorruptRecord{
			ID:       corrupt.ID,
			Version:  corrupt.Version,
			Expected: corrupt.Expected,
			Actual:   corrupt.Actual,
			cause:    err,
		}
	}
	var dm *hnsw.DimensionMismatchError
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Want, Actual: dm.Got, cause: err}
	}

	return err
}
