// Package adaptertest wires a real Loader over in-memory stores for tests.
package adaptertest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/ai"
	"aiknowledge/internal/indexer"
	"aiknowledge/internal/pkg/tokenizer"
	"aiknowledge/internal/platform/blob"
	"aiknowledge/internal/platform/vectorstore"
)

type Env struct {
	Loader  *adapter.Loader
	Indexer *indexer.Indexer
	Vectors *vectorstore.Chromem
	Blobs   *blob.FS
}

func New(t testing.TB) *Env {
	t.Helper()
	vectors, err := vectorstore.NewChromem("", false)
	require.NoError(t, err)
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	counter := tokenizer.Words{}
	ix := indexer.New(
		indexer.NewSplitter(counter, indexer.DefaultChunkSize, indexer.DefaultChunkOverlap),
		counter,
		ai.HashEmbedder{Dims: 32},
		vectors,
	)
	return &Env{
		Loader:  adapter.NewLoader(ix, blobs, nil),
		Indexer: ix,
		Vectors: vectors,
		Blobs:   blobs,
	}
}
