package embeddings

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/fyrsmithlabs/lexd/internal/textnorm"
)

// HashProvider embeds text as a normalized bag of hashed tokens. It needs no
// model and no network, so it serves offline runs and tests; texts sharing
// words get similar vectors, nothing more.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a HashProvider producing vectors of length dim.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 64
	}
	return &HashProvider{dim: dim}
}

func (h *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.vector(text), nil
}

func (h *HashProvider) Dimension() int { return h.dim }

func (h *HashProvider) Close() error { return nil }

func (h *HashProvider) vector(text string) []float32 {
	v := make([]float32, h.dim)
	for _, tok := range textnorm.Tokens(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		v[f.Sum32()%uint32(h.dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
