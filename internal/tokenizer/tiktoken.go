package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// BPE ranks are read from the loader's embedded files, so startup needs no network.
func init() {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Tiktoken counts tokens with an OpenAI BPE encoding. The encoding is loaded on first use.
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktoken returns a tokenizer for the given encoding (e.g. cl100k_base).
func NewTiktoken(encoding string) *Tiktoken {
	return &Tiktoken{encoding: encoding}
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Name returns the encoding name.
func (t *Tiktoken) Name() string {
	return "tiktoken[" + t.encoding + "]"
}

// CountTokens returns the number of BPE tokens in text.
func (t *Tiktoken) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Spans returns the byte span of every BPE token. A span may end inside a multi-byte
// rune; callers that cut text must check the boundary.
func (t *Tiktoken) Spans(text string) ([]Span, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	ids := t.enc.Encode(text, nil, nil)
	spans := make([]Span, len(ids))
	pos := 0
	for i, id := range ids {
		n := len(t.enc.Decode([]int{id}))
		spans[i] = Span{Start: pos, End: pos + n}
		pos += n
	}
	if pos != len(text) {
		return nil, fmt.Errorf("tiktoken spans cover %d of %d bytes", pos, len(text))
	}
	return spans, nil
}
