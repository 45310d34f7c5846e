// Package chunking splits document text into bounded, overlapping chunks.
// Size is measured by an injected Tokenizer; no chunk ever carries more
// than ChunkSize tokens and no chunk is empty.
package chunking

import (
	"fmt"
	"maps"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

type Method string

const (
	MethodFixed     Method = "fixed"
	MethodSentence  Method = "sentence"
	MethodParagraph Method = "paragraph"
)

// Options are the per-call chunking parameters.
type Options struct {
	ChunkSize int
	Overlap   int
	Method    Method
	// IDPrefix, when set, is used to compose ChunkID as "{prefix}:{index}".
	IDPrefix string
	// Metadata is copied onto every chunk.
	Metadata map[string]any
}

// Validate rejects parameters the engine cannot honour. Values are never
// clamped.
func (o Options) Validate() error {
	switch {
	case o.ChunkSize <= 0:
		return apperrors.Newf(apperrors.ErrValidation, "chunk_size must be positive, got %d", o.ChunkSize)
	case o.Overlap < 0:
		return apperrors.Newf(apperrors.ErrValidation, "overlap must not be negative, got %d", o.Overlap)
	case o.Overlap >= o.ChunkSize:
		return apperrors.Newf(apperrors.ErrValidation, "overlap %d must be smaller than chunk_size %d", o.Overlap, o.ChunkSize)
	}
	switch o.Method {
	case MethodFixed, MethodSentence, MethodParagraph:
		return nil
	default:
		return apperrors.Newf(apperrors.ErrValidation, "unknown chunking method %q", o.Method)
	}
}

// Fingerprint identifies the parameters that decide chunk boundaries. Two
// runs with the same fingerprint over the same text produce the same chunks.
func (o Options) Fingerprint(tok Tokenizer) string {
	return fmt.Sprintf("%s/%d/%d/%s", o.Method, o.ChunkSize, o.Overlap, tok.Name())
}

// Engine is safe for concurrent use as long as its Tokenizer is.
type Engine struct {
	tok Tokenizer
}

func NewEngine(tok Tokenizer) *Engine {
	if tok == nil {
		tok = WordTokenizer{}
	}
	return &Engine{tok: tok}
}

func (e *Engine) Tokenizer() Tokenizer {
	return e.tok
}

// Chunk splits text with the requested strategy. Empty or whitespace-only
// text yields no chunks and no error.
func (e *Engine) Chunk(text string, opts Options) ([]ingestion.TextChunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var pieces []string
	switch opts.Method {
	case MethodFixed:
		return e.finish(e.windows(e.tok.Tokens(text), opts.ChunkSize, opts.Overlap), opts), nil
	case MethodSentence:
		pieces = e.pack(sentenceUnits(text, e.tok), opts.ChunkSize, opts.Overlap)
	case MethodParagraph:
		pieces = e.pack(paragraphUnits(text, e.tok, opts.ChunkSize), opts.ChunkSize, opts.Overlap)
	}

	var segs []segment
	for _, piece := range pieces {
		tokens := e.tok.Tokens(piece)
		// A sub-word tokenizer can count a joined chunk higher than the sum
		// of its units.
		if len(tokens) > opts.ChunkSize {
			segs = append(segs, e.windows(tokens, opts.ChunkSize, opts.Overlap)...)
			continue
		}
		segs = append(segs, segment{text: piece, tokens: len(tokens)})
	}
	return e.finish(segs, opts), nil
}

type segment struct {
	text   string
	tokens int
}

// finish numbers segments into chunks, skipping empty ones so ChunkIndex
// stays dense.
func (e *Engine) finish(segs []segment, opts Options) []ingestion.TextChunk {
	chunks := make([]ingestion.TextChunk, 0, len(segs))
	for _, seg := range segs {
		if seg.tokens == 0 || strings.TrimSpace(seg.text) == "" {
			continue
		}
		index := len(chunks)
		c := ingestion.TextChunk{
			ChunkIndex: index,
			Text:       seg.text,
			TokenCount: seg.tokens,
			Metadata:   maps.Clone(opts.Metadata),
		}
		if opts.IDPrefix != "" {
			c.ChunkID = ingestion.ChunkIDFor(opts.IDPrefix, index)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// windows slides a size-token window over tokens, advancing size-overlap
// tokens per step. The last window may be shorter. Byte-level tokenizers
// can split one character across tokens, so window edges move back to the
// nearest character boundary.
func (e *Engine) windows(tokens []string, size, overlap int) []segment {
	n := len(tokens)
	if n == 0 {
		return nil
	}
	out := make([]segment, 0, (n+size-overlap-1)/(size-overlap))
	start := 0
	for {
		end := min(start+size, n)
		if cut := lastBoundary(tokens, start, end); cut > start {
			end = cut
		}
		text := e.tok.Join(tokens[start:end])
		if !utf8.ValidString(text) {
			// A single character is longer than the whole window.
			text = strings.ToValidUTF8(text, "\uFFFD")
		}
		out = append(out, segment{text: text, tokens: end - start})
		if end >= n {
			break
		}
		next := max(end-overlap, start+1)
		for next < end && !runeBoundary(tokens, next) {
			next++
		}
		start = next
	}
	return out
}

// runeBoundary reports whether cutting before tokens[i] falls between
// two characters.
func runeBoundary(tokens []string, i int) bool {
	if i <= 0 || i >= len(tokens) || tokens[i] == "" {
		return true
	}
	return utf8.RuneStart(tokens[i][0])
}

// lastBoundary returns the largest i in (start, end] that is a character
// boundary, or start when there is none.
func lastBoundary(tokens []string, start, end int) int {
	for i := end; i > start; i-- {
		if runeBoundary(tokens, i) {
			return i
		}
	}
	return start
}
