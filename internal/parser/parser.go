// Package parser turns raw document bytes into a ParsedDocument. Each
// supported file type has one extractor; the Registry picks it by the
// message's file_type and fills the size metadata common to all formats.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

// ExtractFunc extracts text and whatever metadata the format carries.
type ExtractFunc func(data []byte) (string, ingestion.DocumentMetadata, error)

// Registry maps normalised file types to extractors.
type Registry struct {
	extractors map[string]ExtractFunc
	logger     *slog.Logger
}

// NewRegistry returns a registry with every built-in format registered.
func NewRegistry() *Registry {
	r := &Registry{
		extractors: make(map[string]ExtractFunc),
		logger:     slog.Default().With("component", "parser"),
	}
	r.Register(extractPDF, "pdf", "application/pdf")
	r.Register(extractXLSX, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	r.Register(extractDOCX, "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	r.Register(extractWithCat, "odt", "rtf", "application/vnd.oasis.opendocument.text", "application/rtf", "text/rtf")
	r.Register(extractPlain, "txt", "md", "markdown", "csv", "json", "text/plain", "text/markdown", "text/csv", "application/json")
	r.Register(extractHTML, "html", "htm", "text/html")
	return r
}

// Register binds fn to each file type, replacing any previous binding.
func (r *Registry) Register(fn ExtractFunc, fileTypes ...string) {
	for _, ft := range fileTypes {
		r.extractors[normalize(ft)] = fn
	}
}

// Supports reports whether fileType has an extractor.
func (r *Registry) Supports(fileType string) bool {
	_, ok := r.extractors[normalize(fileType)]
	return ok
}

// Parse extracts the document. Unsupported types and corrupt documents are
// ErrParse and are not retried. Empty text is not an error here.
func (r *Registry) Parse(ctx context.Context, data []byte, fileType string) (*ingestion.ParsedDocument, error) {
	ft := normalize(fileType)
	fn, ok := r.extractors[ft]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrParse, "unsupported file type %q", fileType)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInterrupted, err, "parse not started")
	}

	text, meta, err := extractSafely(fn, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrParse, err, ft+" document")
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	words := len(strings.Fields(text))
	chars := utf8.RuneCountInString(text)
	meta.WordCount = &words
	meta.CharacterCount = &chars
	if meta.Encoding == "" {
		meta.Encoding = "utf-8"
	}
	r.logger.Debug("parsed document", "file_type", ft, "words", words)
	return &ingestion.ParsedDocument{Text: text, Metadata: meta, FileType: ft}, nil
}

// extractSafely converts a panic inside a third-party decoder into an error.
func extractSafely(fn ExtractFunc, data []byte) (text string, meta ingestion.DocumentMetadata, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extractor panicked: %v", rec)
		}
	}()
	return fn(data)
}

func normalize(fileType string) string {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	if i := strings.IndexByte(ft, ';'); i >= 0 {
		ft = strings.TrimSpace(ft[:i])
	}
	return strings.TrimPrefix(ft, ".")
}
