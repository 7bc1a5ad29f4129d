package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// Counter counts model tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

type Tiktoken struct {
	enc *tiktoken.Tiktoken
	mu  sync.Mutex
}

// New loads a BPE encoding by name, cl100k_base when empty.
func New(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %s failed: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Words counts whitespace separated words. It approximates tokens when no
// encoding is available and keeps tests independent of BPE files.
type Words struct{}

func (Words) Count(text string) int {
	return len(strings.Fields(text))
}
