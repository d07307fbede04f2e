package engine

import (
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/embedtext"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/objectstore"
)

// StorageProvider constructs an objectstore.Store from cfg, letting a
// caller supply a storage backend New never heard of instead of going
// through objectstore.Open's built-in kind dispatch.
type StorageProvider func(cfg config.StorageConfig) (objectstore.Store, error)

type options struct {
	embedder        embedtext.Embedder
	augmentations   []Augmentation
	storageProvider StorageProvider
	logger          log.Collaborator
	readOnly        bool
}

// Option configures an Engine at construction time.
type Option func(*options)

// WithEmbedder wires the embedding collaborator that Add/Update use to
// turn Data strings into vectors. Without one, Add/Update calls that
// omit Vector fail with ErrEmbeddingFailed.
func WithEmbedder(e embedtext.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithAugmentation registers one middleware hook on the Engine's
// operation pipeline. Order among same-phase hooks follows Priority.
func WithAugmentation(a Augmentation) Option {
	return func(o *options) { o.augmentations = append(o.augmentations, a) }
}

// WithStorageProvider overrides how the Engine opens its object store,
// bypassing objectstore.Open's cfg.Storage.Kind dispatch entirely.
func WithStorageProvider(p StorageProvider) Option {
	return func(o *options) { o.storageProvider = p }
}

// WithLogger overrides the Engine's logging collaborator. Defaults to
// log.AsCollaborator() when not set.
func WithLogger(l log.Collaborator) Option {
	return func(o *options) { o.logger = l }
}

// WithReadOnly puts the Engine into read-only mode: every mutating
// operation (Add, Update, Delete, Relate, Unrelate, DeleteBranch) fails
// with ErrReadOnly while reads and Find continue to work.
func WithReadOnly(ro bool) Option {
	return func(o *options) { o.readOnly = ro }
}
