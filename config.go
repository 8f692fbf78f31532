package zsei

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration surface. Zero values keep the
// programmatic defaults; explicit options passed to OpenFromConfig win
// over file values.
type Config struct {
	Mmap struct {
		Enabled           *bool `yaml:"enabled"`
		PreloadIndices    *bool `yaml:"preload_indices"`
		MaxMappedMemoryGB int   `yaml:"max_mapped_memory_gb"`
	} `yaml:"mmap"`

	Traversal struct {
		DefaultMaxDepth   *int  `yaml:"default_max_depth"`
		DefaultMaxResults *int  `yaml:"default_max_results"`
		CacheHotPaths     *bool `yaml:"cache_hot_paths"`
		HotPathCacheSize  int   `yaml:"hot_path_cache_size"`
	} `yaml:"traversal"`

	Integrity struct {
		AutoRepair                *bool   `yaml:"auto_repair"`
		VerificationIntervalHours float64 `yaml:"verification_interval_hours"`
		VerificationRatePerSec    float64 `yaml:"verification_rate_per_sec"`
		MaxVersionsRetained       int     `yaml:"max_versions_retained"`
	} `yaml:"integrity"`

	Embeddings struct {
		Dimension int    `yaml:"dimension"`
		IndexType string `yaml:"index_type"` // "hnsw" (default) or "none"
		HNSW      struct {
			M              int `yaml:"m"`
			EfConstruction int `yaml:"ef_construction"`
			EfSearch       int `yaml:"ef_search"`
		} `yaml:"hnsw"`
		Metric string `yaml:"metric"` // "l2" (default) or "cosine"
	} `yaml:"embeddings"`

	Compression string `yaml:"compression"` // "none" (default), "lz4", "zstd"
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Options translates the config into functional options.
func (c Config) Options() ([]Option, error) {
	var opts []Option

	if c.Mmap.Enabled != nil && !*c.Mmap.Enabled {
		opts = append(opts, WithoutMmap())
	}
	if c.Mmap.PreloadIndices != nil && !*c.Mmap.PreloadIndices {
		opts = append(opts, WithLazyIndexLoad())
	}
	if c.Mmap.MaxMappedMemoryGB > 0 {
		opts = append(opts, WithMaxMappedMemory(int64(c.Mmap.MaxMappedMemoryGB)<<30))
	}

	if c.Traversal.DefaultMaxDepth != nil || c.Traversal.DefaultMaxResults != nil {
		depth, results := -1, 0
		if c.Traversal.DefaultMaxDepth != nil {
			depth = *c.Traversal.DefaultMaxDepth
		}
		if c.Traversal.DefaultMaxResults != nil {
			results = *c.Traversal.DefaultMaxResults
		}
		opts = append(opts, WithTraversalDefaults(depth, results))
	}
	if c.Traversal.CacheHotPaths != nil && !*c.Traversal.CacheHotPaths {
		opts = append(opts, WithHotPathCacheSize(0))
	} else if c.Traversal.HotPathCacheSize > 0 {
		opts = append(opts, WithHotPathCacheSize(c.Traversal.HotPathCacheSize))
	}

	if c.Integrity.AutoRepair != nil {
		opts = append(opts, WithAutoRepair(*c.Integrity.AutoRepair))
	}
	if c.Integrity.VerificationIntervalHours > 0 {
		interval := time.Duration(c.Integrity.VerificationIntervalHours * float64(time.Hour))
		opts = append(opts, WithBackgroundVerification(interval, c.Integrity.VerificationRatePerSec, 0))
	}
	if c.Integrity.MaxVersionsRetained > 0 {
		opts = append(opts, WithMaxVersionsRetained(c.Integrity.MaxVersionsRetained))
	}

	switch c.Embeddings.IndexType {
	case "", "hnsw":
		if c.Embeddings.Dimension > 0 {
			opts = append(opts, WithDimension(c.Embeddings.Dimension))
		}
		if h := c.Embeddings.HNSW; h.M > 0 || h.EfConstruction > 0 || h.EfSearch > 0 {
			opts = append(opts, WithHNSW(h.M, h.EfConstruction, h.EfSearch))
		}
		switch c.Embeddings.Metric {
		case "", "l2":
		case "cosine":
			opts = append(opts, WithDistanceMetric(DistanceCosine))
		default:
			return nil, fmt.Errorf("unsupported embeddings.metric: %q", c.Embeddings.Metric)
		}
	case "none":
		opts = append(opts, WithoutIndexRebuild())
	default:
		return nil, fmt.Errorf("unsupported embeddings.index_type: %q", c.Embeddings.IndexType)
	}

	if c.Compression != "" {
		opts = append(opts, WithCompression(c.Compression))
	}
	return opts, nil
}

// OpenFromConfig opens a store with settings from a YAML config file.
// Extra options override the file.
func OpenFromConfig(dir, configPath string, extra ...Option) (*Store, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return Open(dir, append(opts, extra...)...)
}
