package ai

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder maps words into a fixed number of buckets. It needs no
// network and is used for local runs and tests.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) dims() int {
	if h.Dims <= 0 {
		return 64
	}
	return h.Dims
}

func (h HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dims())
	// keeps empty input away from the zero vector
	vec[0] = 0.001
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		vec[int(f.Sum32())%len(vec)]++
	}
	return vec
}

func (h HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return h.embed(text), nil
}
