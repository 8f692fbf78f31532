// Package zsei provides an embedded hierarchical container store.
//
// This file implements the fluent builder API for opening stores.
// The builder is immutable - each method returns a new builder with the
// updated configuration.
package zsei

import (
	"time"
)

// New creates a store builder for the given directory.
//
// The builder is immutable - each method returns a new builder with the
// updated configuration. This ensures thread-safety and prevents
// accidental state sharing.
//
// Example:
//
//	db, err := zsei.New("./data").
//	    Dimension(768).
//	    Cosine().
//	    ZSTD().
//	    MaxVersionsRetained(3).
//	    Build()
func New(dir string) Builder {
	return Builder{dir: dir}
}

// Builder is an immutable fluent builder for opening Store instances.
// Each method returns a new builder with the updated configuration.
type Builder struct {
	dir  string
	opts []Option
}

func (b Builder) with(opt Option) Builder {
	next := make([]Option, len(b.opts), len(b.opts)+1)
	copy(next, b.opts)
	b.opts = append(next, opt)
	return b
}

// Dimension fixes the embedding dimension, creating the index at open.
func (b Builder) Dimension(dim int) Builder {
	return b.with(WithDimension(dim))
}

// SquaredL2 sets the distance metric to Squared Euclidean distance.
func (b Builder) SquaredL2() Builder {
	return b.with(WithDistanceMetric(DistanceSquaredL2))
}

// Cosine sets the distance metric to Cosine similarity (normalized vectors).
func (b Builder) Cosine() Builder {
	return b.with(WithDistanceMetric(DistanceCosine))
}

// M sets the maximum number of index connections per layer.
// Higher values improve recall but increase memory usage.
// Default: 16.
func (b Builder) M(m int) Builder {
	return b.with(WithHNSW(m, 0, 0))
}

// EFConstruction sets the exploration factor used during index
// construction. Higher values improve index quality but slow indexing.
// Default: 200.
func (b Builder) EFConstruction(ef int) Builder {
	return b.with(WithHNSW(0, ef, 0))
}

// EFSearch sets the query-time exploration factor.
// Default: 64.
func (b Builder) EFSearch(ef int) Builder {
	return b.with(WithHNSW(0, 0, ef))
}

// RandomSeed sets the seed for deterministic index construction.
func (b Builder) RandomSeed(seed int64) Builder {
	return b.with(WithRandomSeed(seed))
}

// HotPathCacheSize bounds the child-list cache in entries. <= 0 disables.
func (b Builder) HotPathCacheSize(entries int) Builder {
	return b.with(WithHotPathCacheSize(entries))
}

// MaxVersionsRetained sets how many versions per container survive
// compaction. Default: 5.
func (b Builder) MaxVersionsRetained(n int) Builder {
	return b.with(WithMaxVersionsRetained(n))
}

// LZ4 compresses the cold tier with lz4 (fast, moderate ratio).
func (b Builder) LZ4() Builder {
	return b.with(WithCompression("lz4"))
}

// ZSTD compresses the cold tier with zstd (slower, better ratio).
func (b Builder) ZSTD() Builder {
	return b.with(WithCompression("zstd"))
}

// NoCompression keeps every retained version in the uncompressed hot file.
func (b Builder) NoCompression() Builder {
	return b.with(WithCompression("none"))
}

// ColdCacheBytes bounds the decompressed cold-tier page cache.
func (b Builder) ColdCacheBytes(n int64) Builder {
	return b.with(WithColdCacheBytes(n))
}

// NoMmap switches reads to buffered file copies.
func (b Builder) NoMmap() Builder {
	return b.with(WithoutMmap())
}

// AutoRepair controls whether corrupt reads trigger the repair cascade.
// Default: enabled.
func (b Builder) AutoRepair(enabled bool) Builder {
	return b.with(WithAutoRepair(enabled))
}

// BackgroundVerification starts the rotating-shard background verifier.
func (b Builder) BackgroundVerification(interval time.Duration, recordsPerSec float64, shards int) Builder {
	return b.with(WithBackgroundVerification(interval, recordsPerSec, shards))
}

// TraversalDefaults sets the bounds applied when a traversal does not
// specify its own.
func (b Builder) TraversalDefaults(maxDepth, maxResults int) Builder {
	return b.with(WithTraversalDefaults(maxDepth, maxResults))
}

// Logger sets the structured logger for operation tracing.
func (b Builder) Logger(l *Logger) Builder {
	return b.with(WithLogger(l))
}

// Metrics sets the metrics collector for monitoring.
func (b Builder) Metrics(mc MetricsCollector) Builder {
	return b.with(WithMetricsCollector(mc))
}

// Build opens the store.
func (b Builder) Build() (*Store, error) {
	return Open(b.dir, b.opts...)
}

// MustBuild opens the store, panicking on error.
func (b Builder) MustBuild() *Store {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}
