// Package objectstore defines the pluggable key/value storage adapter
// (C1) that every other layer builds on: a content-addressable blob pool,
// ref manager, entity store, and metadata/graph indexes all speak to one
// of these Store implementations through the same narrow interface.
package objectstore

import (
	"context"
	"fmt"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/types"
)

// Store is the narrow key/value contract every storage backend implements.
// Keys are '/'-separated paths; values are opaque byte slices.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns keys with the given prefix in lexicographic order,
	// starting after cursor, bounded by limit. next is empty when
	// exhausted.
	List(ctx context.Context, prefix, cursor string, limit int) (keys []string, next string, err error)
	PutBatch(ctx context.Context, items map[string][]byte) error
}

// Open constructs the Store variant named by cfg.Kind.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.BasePath)
	case "s3":
		return NewS3Store(context.Background(), cfg)
	default:
		return nil, types.NewError(types.ErrInvalidInput, "objectstore.Open", fmt.Sprintf("unknown storage kind %q", cfg.Kind))
	}
}
