// Package config loads and defaults the engine's configuration, either
// from a YAML file (gopkg.in/yaml.v3, following cmd/warren/apply.go's
// yaml.Unmarshal usage) or programmatically via Default().
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures the object store adapter (C1).
type StorageConfig struct {
	Kind     string `yaml:"kind"` // memory|file|s3
	BasePath string `yaml:"basePath,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
}

// HNSWConfig tunes the approximate nearest-neighbor index (C9).
type HNSWConfig struct {
	M                           int  `yaml:"m"`
	EfConstruction              int  `yaml:"efConstruction"`
	EfSearch                    int  `yaml:"efSearch"`
	MaxConcurrentNeighborWrites int  `yaml:"maxConcurrentNeighborWrites"`
	TypeAware                   bool `yaml:"typeAware"`
}

// CacheConfig holds read-cache settings. The write-through cache (C4)
// takes no settings, and the engine does not read these fields.
type CacheConfig struct {
	MaxSize        int    `yaml:"maxSize"`
	TTLMs          int64  `yaml:"ttlMs"`
	EvictionPolicy string `yaml:"evictionPolicy"` // lru|lfu
}

// WriteConfig tunes the buffered write pipeline (C5).
type WriteConfig struct {
	MaxBufferSize   int `yaml:"maxBufferSize"`
	FlushIntervalMs int `yaml:"flushIntervalMs"`
	MinFlushSize    int `yaml:"minFlushSize"`
	MaxRetries      int `yaml:"maxRetries"`
}

// IndexConfig scopes which metadata fields the metadata index (C7) keeps
// postings for. An empty IncludeFields means "all scalar leaves are
// indexable"; ExcludeFields is applied after IncludeFields narrows the
// set.
type IndexConfig struct {
	IncludeFields []string `yaml:"includeFields,omitempty"`
	ExcludeFields []string `yaml:"excludeFields,omitempty"`
}

// TimeoutConfig bounds individual storage operations.
type TimeoutConfig struct {
	GetMs    int `yaml:"getMs"`
	PutMs    int `yaml:"putMs"`
	DeleteMs int `yaml:"deleteMs"`
}

// Config is the engine's full configuration surface.
type Config struct {
	Dimension int           `yaml:"dimension"`
	Storage   StorageConfig `yaml:"storage"`
	HNSW      HNSWConfig    `yaml:"hnsw"`
	Cache     CacheConfig   `yaml:"cache"`
	Write     WriteConfig   `yaml:"write"`
	Index     IndexConfig   `yaml:"index"`
	Timeouts  TimeoutConfig `yaml:"timeouts"`
}

// Default returns a Config with production-reasonable defaults.
func Default() Config {
	return Config{
		Dimension: 384,
		Storage: StorageConfig{
			Kind:     "file",
			BasePath: "./data",
		},
		HNSW: HNSWConfig{
			M:                           16,
			EfConstruction:              200,
			EfSearch:                    64,
			MaxConcurrentNeighborWrites: 8,
			TypeAware:                  true,
		},
		Cache: CacheConfig{
			MaxSize:        10000,
			TTLMs:          0, // 0 = no expiry
			EvictionPolicy: "lru",
		},
		Write: WriteConfig{
			MaxBufferSize:   1000,
			FlushIntervalMs: 500,
			MinFlushSize:    50,
			MaxRetries:      3,
		},
		Timeouts: TimeoutConfig{
			GetMs:    30000,
			PutMs:    60000,
			DeleteMs: 30000,
		},
	}
}

// Load reads and parses a YAML configuration file over Default(): fields
// the file leaves out keep their default values, while fields the file
// sets (even to zero) take the file's value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally-inconsistent values.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("config: dimension must be positive, got %d", c.Dimension)
	}
	switch c.Storage.Kind {
	case "memory", "file", "s3":
	default:
		return fmt.Errorf("config: unknown storage kind %q", c.Storage.Kind)
	}
	if c.Storage.Kind == "file" && c.Storage.BasePath == "" {
		return fmt.Errorf("config: storage.basePath required for kind=file")
	}
	if c.Storage.Kind == "s3" && c.Storage.Bucket == "" {
		return fmt.Errorf("config: storage.bucket required for kind=s3")
	}
	if c.HNSW.M <= 0 {
		return fmt.Errorf("config: hnsw.m must be positive, got %d", c.HNSW.M)
	}
	if c.Write.MinFlushSize > c.Write.MaxBufferSize {
		return fmt.Errorf("config: write.minFlushSize (%d) cannot exceed write.maxBufferSize (%d)", c.Write.MinFlushSize, c.Write.MaxBufferSize)
	}
	return nil
}
