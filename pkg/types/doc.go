// Package types defines the core data structures shared across lattice's
// storage, indexing, and query packages: nouns, verbs, HNSW node state,
// commits, refs, version records, the tagged metadata value tree, and the
// engine's error taxonomy.
//
// These types are the vocabulary every other package in this module speaks;
// none of them own mutable shared state. Persistence, concurrency, and
// indexing are the concern of pkg/objectstore, pkg/cache, pkg/entitystore,
// pkg/metaindex, pkg/graphindex, and pkg/hnsw.
package types
