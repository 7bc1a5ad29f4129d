package indexer

import (
	"strings"
	"unicode/utf8"

	"aiknowledge/internal/pkg/tokenizer"
)

const (
	DefaultChunkSize    = 4000
	DefaultChunkOverlap = 600
)

var defaultSeparators = []string{"\n\n", "\n", " "}

// maxRunesPerToken bounds the hard-cut search window. BPE tokens rarely
// span more than a handful of runes, so a window of size*16 runes always
// holds a full chunk.
const maxRunesPerToken = 16

// Chunk is a contiguous slice of the source text. Start and End are byte
// offsets, so text[Start:End] == Text.
type Chunk struct {
	Index      int
	Text       string
	Start      int
	End        int
	TokenCount int
}

// Splitter cuts text into overlapping token-bounded windows. It first breaks
// the text at the coarsest separator that keeps every piece within the
// window, then packs pieces greedily and starts each new window up to
// overlap tokens before the end of the previous one.
type Splitter struct {
	counter    tokenizer.Counter
	size       int
	overlap    int
	separators []string
}

func NewSplitter(counter tokenizer.Counter, size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Splitter{counter: counter, size: size, overlap: overlap, separators: defaultSeparators}
}

type piece struct {
	start, end int
	tokens     int
}

func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pieces := s.pieces(text, 0, 0)

	var chunks []Chunk
	for i := 0; i < len(pieces); {
		j, tokens := i, 0
		for j < len(pieces) && (j == i || tokens+pieces[j].tokens <= s.size) {
			tokens += pieces[j].tokens
			j++
		}
		start, end := pieces[i].start, pieces[j-1].end
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       text[start:end],
			Start:      start,
			End:        end,
			TokenCount: s.counter.Count(text[start:end]),
		})
		if j == len(pieces) {
			break
		}

		next, carried := j, 0
		for next-1 > i && carried+pieces[next-1].tokens <= s.overlap {
			carried += pieces[next-1].tokens
			next--
		}
		i = next
	}
	return chunks
}

// pieces splits text (located at offset in the original) into parts that each
// fit the window, descending through the separators and finally cutting by rune.
func (s *Splitter) pieces(text string, offset, level int) []piece {
	tokens := s.counter.Count(text)
	if tokens <= s.size {
		return []piece{{start: offset, end: offset + len(text), tokens: tokens}}
	}
	if level >= len(s.separators) {
		return s.hardCut(text, offset)
	}

	parts := strings.SplitAfter(text, s.separators[level])
	if len(parts) == 1 {
		return s.pieces(text, offset, level+1)
	}
	var out []piece
	pos := offset
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, s.pieces(part, pos, level+1)...)
		pos += len(part)
	}
	return out
}

func (s *Splitter) hardCut(text string, offset int) []piece {
	var out []piece
	for len(text) > 0 {
		n := s.longestPrefix(text)
		tokens := s.counter.Count(text[:n])
		out = append(out, piece{start: offset, end: offset + n, tokens: tokens})
		text = text[n:]
		offset += n
	}
	return out
}

// longestPrefix returns the byte length of the longest rune-aligned prefix
// within the window, at least one rune.
func (s *Splitter) longestPrefix(text string) int {
	runes := utf8.RuneCountInString(text)
	lo, hi := 1, min(runes, s.size*maxRunesPerToken)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.counter.Count(prefixRunes(text, mid)) <= s.size {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return len(prefixRunes(text, lo))
}

func prefixRunes(text string, n int) string {
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos]
		}
		i++
	}
	return text
}
