// Package embedtext provides the embedding collaborator contract
// (pkg/query's Like text queries, pkg/engine.WithEmbedder) plus a
// deterministic, dependency-free implementation for tests and local
// development. A production deployment supplies its own Embedder (backed
// by a real model) via the same narrow interface.
package embedtext

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/cuemby/lattice/pkg/types"
)

// Embedder turns text into a vector in the engine's configured
// dimension. Implementations should return types.ErrEmbeddingFailed
// (wrapped via types.Wrap) on failure so callers can classify it
// consistently with the rest of the error taxonomy.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hashing is a deterministic Embedder: it folds SHA-256 of each token
// into a fixed-dimension vector (feature hashing), then normalizes. It
// produces no semantic similarity beyond shared tokens, but is stable,
// fast, and needs no external model, which is what tests and local
// development need from the collaborator boundary.
type Hashing struct {
	dimension int
}

// NewHashing constructs a Hashing embedder producing vectors of
// dimension dims.
func NewHashing(dims int) *Hashing {
	return &Hashing{dimension: dims}
}

// Embed implements Embedder.
func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if h.dimension <= 0 {
		return nil, types.Wrap(types.ErrEmbeddingFailed, "embedtext.Embed", "dimension must be positive", nil)
	}
	vec := make([]float32, h.dimension)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vec, nil
	}
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i+4 <= len(sum) && i/4 < h.dimension*4; i += 4 {
			bucket := (i / 4) % h.dimension
			bits := binary.LittleEndian.Uint32(sum[i : i+4])
			sign := float32(1)
			if bits&1 == 1 {
				sign = -1
			}
			vec[bucket] += sign * float32(bits%1000) / 1000
		}
	}
	return normalize(vec), nil
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
