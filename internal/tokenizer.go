package internal

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

var (
	_ Tokenizer     = (*TiktokenTokenizer)(nil)
	_ TextTruncator = (*TiktokenTokenizer)(nil)
)

// TextTruncator caps a text at a token budget.
type TextTruncator interface {
	Truncate(text string, budget int) string
}

// TiktokenTokenizer decodes BPE token ids and enforces per-text token
// budgets on prompts.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: load encoding %q: %w", ErrConfiguration, encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *TiktokenTokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.Encode(text))
}

func (t *TiktokenTokenizer) Truncate(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	ids := t.Encode(text)
	if len(ids) <= budget {
		return text
	}
	return t.enc.Decode(ids[:budget])
}
