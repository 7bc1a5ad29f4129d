package indexer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiknowledge/internal/pkg/tokenizer"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestSplitTenThousandTokens(t *testing.T) {
	text := words(10000)
	s := NewSplitter(tokenizer.Words{}, DefaultChunkSize, DefaultChunkOverlap)

	chunks := s.Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, 4000, chunks[0].TokenCount)
	assert.Equal(t, 4000, chunks[1].TokenCount)
	assert.Equal(t, 3200, chunks[2].TokenCount)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w3400 "))
	assert.True(t, strings.HasPrefix(chunks[2].Text, "w6800 "))
	for _, c := range chunks {
		assert.Equal(t, text[c.Start:c.End], c.Text)
		assert.LessOrEqual(t, c.TokenCount, DefaultChunkSize)
	}
	assert.Equal(t, text, stitch(chunks))
}

func TestSplitSmallTextIsOneChunk(t *testing.T) {
	text := words(500)
	chunks := NewSplitter(tokenizer.Words{}, DefaultChunkSize, DefaultChunkOverlap).Split(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 500, chunks[0].TokenCount)
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	para := func(n int) string { return strings.TrimSpace(strings.Repeat("word ", n)) }
	text := para(6) + "\n\n" + para(6) + "\n\n" + para(6)
	chunks := NewSplitter(tokenizer.Words{}, 12, 0).Split(text)

	require.Len(t, chunks, 2)
	assert.Equal(t, para(6)+"\n\n"+para(6)+"\n\n", chunks[0].Text)
	assert.Equal(t, para(6), chunks[1].Text)
	assert.Equal(t, text, stitch(chunks))
}

func TestSplitHardCutsOversizedRuns(t *testing.T) {
	// every rune is a token for this counter
	counter := runeCounter{}
	text := strings.Repeat("é", 25)
	chunks := NewSplitter(counter, 10, 2).Split(text)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 10)
	}
	assert.Equal(t, text, stitch(chunks))
}

func TestHardCutWorkIsLinear(t *testing.T) {
	counter := &meteredCounter{}
	text := strings.Repeat("x", 50_000)
	chunks := NewSplitter(counter, 50, 0).Split(text)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 50)
	}
	assert.Equal(t, text, stitch(chunks))
	assert.Less(t, counter.bytes, 60*len(text))
}

func TestSplitEmpty(t *testing.T) {
	assert.Empty(t, NewSplitter(tokenizer.Words{}, 10, 2).Split(" \n\n "))
}

type runeCounter struct{}

func (runeCounter) Count(s string) int { return len([]rune(s)) }

// stitch rebuilds the source from overlapping chunks using their offsets.
func stitch(chunks []Chunk) string {
	var b strings.Builder
	end := 0
	for _, c := range chunks {
		if c.End <= end {
			continue
		}
		skip := max(end-c.Start, 0)
		b.WriteString(c.Text[skip:])
		end = c.End
	}
	return b.String()
}

// meteredCounter counts four bytes per token and records how much text it saw.
type meteredCounter struct {
	bytes int
}

func (m *meteredCounter) Count(s string) int {
	m.bytes += len(s)
	return (len(s) + 3) / 4
}
