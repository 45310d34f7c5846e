package chunking

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer measures chunk size. Join(Tokens(s)) must reproduce s up to
// whitespace normalisation.
type Tokenizer interface {
	Tokens(text string) []string
	Join(tokens []string) string
	Name() string
}

// WordTokenizer counts whitespace-separated words.
type WordTokenizer struct{}

func (WordTokenizer) Tokens(text string) []string { return strings.Fields(text) }

func (WordTokenizer) Join(tokens []string) string { return strings.Join(tokens, " ") }

func (WordTokenizer) Name() string { return "words" }

// TiktokenTokenizer counts BPE tokens of an OpenAI encoding such as
// cl100k_base, so chunk_size lines up with the embedding model's own limit.
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{encoding: encoding, enc: enc}, nil
}

// Tokens returns the decoded text of every token. Concatenating the
// result gives back the input byte for byte.
func (t *TiktokenTokenizer) Tokens(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.enc.Decode([]int{id})
	}
	return out
}

func (t *TiktokenTokenizer) Join(tokens []string) string { return strings.Join(tokens, "") }

func (t *TiktokenTokenizer) Name() string { return "tiktoken:" + t.encoding }

// NewTokenizer resolves a configured tokenizer name: "words", or a
// tiktoken encoding such as cl100k_base (optionally prefixed "tiktoken:").
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "", "words":
		return WordTokenizer{}, nil
	default:
		return NewTiktokenTokenizer(strings.TrimPrefix(name, "tiktoken:"))
	}
}
