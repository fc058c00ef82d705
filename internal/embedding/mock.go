package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockEmbedder produces deterministic unit vectors derived from the input
// text. Identical texts map to identical vectors, so similarity ordering in
// tests is stable without a model server.
type MockEmbedder struct {
	Dim int
	// Fail, when set, is returned from every call.
	Fail error
	// Calls counts EmbedBatch invocations.
	Calls int
}

// NewMockEmbedder returns a 768-dimensional mock.
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{Dim: defaultDimension}
}

// Dimension returns the mock's vector dimensionality.
func (m *MockEmbedder) Dimension() int {
	return m.Dim
}

// Embed computes the deterministic vector for one text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch computes deterministic vectors for each text.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.Calls++
	if m.Fail != nil {
		return nil, m.Fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = deterministicVector(text, m.Dim)
	}
	return vecs, nil
}

// deterministicVector expands a text hash into an L2-normalized vector.
func deterministicVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, dim)

	var norm float64
	buf := seed[:]
	for i := 0; i < dim; i++ {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.BigEndian.Uint32(buf[(i%8)*4 : (i%8)*4+4])
		v := float32(bits%2000)/1000 - 1 // [-1, 1)
		vec[i] = v
		norm += float64(v) * float64(v)
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
