package zsei

import (
	"log/slog"
	"time"

	"github.com/zseilabs/zsei/internal/coldtier"
	"github.com/zseilabs/zsei/internal/distance"
)

// DistanceMetric selects how embedding distances are computed. Fixed per
// store at creation.
type DistanceMetric int

const (
	// DistanceSquaredL2 is squared Euclidean distance.
	DistanceSquaredL2 DistanceMetric = iota
	// DistanceCosine is cosine distance over normalized vectors.
	DistanceCosine
)

func (m DistanceMetric) internal() distance.Metric {
	if m == DistanceCosine {
		return distance.MetricCosine
	}
	return distance.MetricL2
}

type options struct {
	// Embedding index.
	dimension      int
	metric         DistanceMetric
	m              int
	efConstruction int
	efSearch       int
	seed           int64
	rebuildIndex   bool
	preloadIndex   bool

	// Record store.
	hotPathCacheSize    int
	maxVersionsRetained int
	compression         coldtier.Codec
	coldCacheBytes      int64
	disableMmap         bool
	maxMappedBytes      int64

	// Integrity.
	autoRepair           bool
	backgroundVerify     bool
	verificationInterval time.Duration
	verificationRate     float64
	verificationShards   int

	// Traversal defaults.
	defaultMaxDepth   int
	defaultMaxResults int

	logger  *Logger
	metrics MetricsCollector

	// err carries option-parse failures to Open.
	err error
}

func defaultOptions() options {
	return options{
		metric:               DistanceSquaredL2,
		m:                    16,
		efConstruction:       200,
		efSearch:             64,
		rebuildIndex:         true,
		preloadIndex:         true,
		hotPathCacheSize:     1024,
		maxVersionsRetained:  5,
		compression:          coldtier.CodecNone,
		coldCacheBytes:       16 << 20,
		autoRepair:           true,
		verificationInterval: time.Hour,
		verificationShards:   16,
		defaultMaxDepth:      -1,
		defaultMaxResults:    0,
		logger:               NoopLogger(),
		metrics:              NoopMetricsCollector{},
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithDimension fixes the embedding dimension up front, so the index is
// created (or rebuilt) at open instead of on the first embedding write.
func WithDimension(dim int) Option {
	return func(o *options) {
		o.dimension = dim
	}
}

// WithDistanceMetric sets the distance metric for embedding search.
func WithDistanceMetric(m DistanceMetric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithHNSW tunes index construction and search. Zero values keep defaults
// (M=16, efConstruction=200, efSearch=64).
func WithHNSW(m, efConstruction, efSearch int) Option {
	return func(o *options) {
		if m > 0 {
			o.m = m
		}
		if efConstruction > 0 {
			o.efConstruction = efConstruction
		}
		if efSearch > 0 {
			o.efSearch = efSearch
		}
	}
}

// WithRandomSeed sets the seed for deterministic index construction.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
	}
}

// WithoutIndexRebuild disables rebuilding the embedding index from
// container records when its snapshot is missing or corrupt. Search then
// fails with ErrIndexUnavailable instead.
func WithoutIndexRebuild() Option {
	return func(o *options) {
		o.rebuildIndex = false
	}
}

// WithHotPathCacheSize bounds the (container, relation) child-list cache
// in entries. <= 0 disables caching; results never change, only latency.
func WithHotPathCacheSize(entries int) Option {
	return func(o *options) {
		o.hotPathCacheSize = entries
	}
}

// WithMaxVersionsRetained sets how many versions per container survive
// compaction. Minimum 1 (the newest).
func WithMaxVersionsRetained(n int) Option {
	return func(o *options) {
		o.maxVersionsRetained = n
	}
}

// WithCompression selects the cold-tier codec by name: "none", "lz4" or
// "zstd". Unknown names are reported by Open.
func WithCompression(name string) Option {
	return func(o *options) {
		codec, err := coldtier.ParseCodec(name)
		if err != nil {
			o.err = err
			return
		}
		o.compression = codec
	}
}

// WithColdCacheBytes bounds the decompressed cold-tier page cache.
func WithColdCacheBytes(n int64) Option {
	return func(o *options) {
		o.coldCacheBytes = n
	}
}

// WithoutMmap switches reads to buffered file copies instead of memory
// mapping.
func WithoutMmap() Option {
	return func(o *options) {
		o.disableMmap = true
	}
}

// WithMaxMappedMemory caps how much file data may be memory mapped. When
// the store's files exceed the cap at open, reads fall back to buffered
// copies. <= 0 means no cap.
func WithMaxMappedMemory(bytes int64) Option {
	return func(o *options) {
		o.maxMappedBytes = bytes
	}
}

// WithLazyIndexLoad defers loading the embedding index until the first
// search or embedding write.
func WithLazyIndexLoad() Option {
	return func(o *options) {
		o.preloadIndex = false
	}
}

// WithAutoRepair controls whether a corrupt read triggers the repair
// cascade before the error surfaces. Default on.
func WithAutoRepair(enabled bool) Option {
	return func(o *options) {
		o.autoRepair = enabled
	}
}

// WithBackgroundVerification starts the background verifier: one shard of
// the id space is swept per interval tick, throttled to recordsPerSec
// (<= 0 means unthrottled). shards < 1 defaults to 16.
func WithBackgroundVerification(interval time.Duration, recordsPerSec float64, shards int) Option {
	return func(o *options) {
		o.backgroundVerify = true
		if interval > 0 {
			o.verificationInterval = interval
		}
		o.verificationRate = recordsPerSec
		if shards >= 1 {
			o.verificationShards = shards
		}
	}
}

// WithTraversalDefaults sets the bounds applied when a traversal does not
// specify its own. maxDepth < 0 and maxResults <= 0 mean unbounded.
func WithTraversalDefaults(maxDepth, maxResults int) Option {
	return func(o *options) {
		o.defaultMaxDepth = maxDepth
		o.defaultMaxResults = maxResults
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

func applyOptions(optFns []Option) options {
	o := defaultOptions()
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
