// Package ingestion defines the job message, the intermediate document and
// chunk types that flow between pipeline stages, and the status model
// reported back to the owning file record.
package ingestion

import (
	"fmt"
	"time"
)

// IngestionMessage is the JSON payload of one ingestion job. FileID is the
// idempotency key for the whole job.
type IngestionMessage struct {
	FileID    string    `json:"file_id"`
	UserID    string    `json:"user_id"`
	FirmID    *string   `json:"firm_id"`
	BlobPath  string    `json:"blob_path"`
	Filename  string    `json:"filename"`
	FileType  string    `json:"file_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Firm returns the firm id or the empty string when the file has none.
func (m IngestionMessage) Firm() string {
	if m.FirmID == nil {
		return ""
	}
	return *m.FirmID
}

// DocumentMetadata is whatever the parser could recover about the source
// document. Every field is optional.
type DocumentMetadata struct {
	PageCount      *int       `json:"page_count,omitempty"`
	WordCount      *int       `json:"word_count,omitempty"`
	CharacterCount *int       `json:"character_count,omitempty"`
	Title          string     `json:"title,omitempty"`
	Author         string     `json:"author,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	ModifiedAt     *time.Time `json:"modified_at,omitempty"`
	Language       string     `json:"language,omitempty"`
	Encoding       string     `json:"encoding,omitempty"`
}

// ParsedDocument is the parser's output for one job.
type ParsedDocument struct {
	Text     string           `json:"text"`
	Metadata DocumentMetadata `json:"metadata"`
	FileType string           `json:"file_type"`
}

// TextChunk is one bounded segment of a document. ChunkIndex is the
// 0-based emission order and is dense within a document.
type TextChunk struct {
	ChunkIndex int            `json:"chunk_index"`
	Text       string         `json:"text"`
	TokenCount int            `json:"token_count"`
	ChunkID    string         `json:"chunk_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChunkIDFor composes the stable chunk identifier used as the upsert key.
func ChunkIDFor(prefix string, index int) string {
	return fmt.Sprintf("%s:%d", prefix, index)
}

// ChunkEmbedding is the vector for the chunk with the same ChunkIndex.
type ChunkEmbedding struct {
	ChunkIndex int            `json:"chunk_index"`
	ChunkID    string         `json:"chunk_id,omitempty"`
	Vector     []float32      `json:"vector"`
	Model      string         `json:"model"`
	Provider   string         `json:"provider"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IngestionStatus is the externally visible state of a file.
type IngestionStatus string

const (
	StatusPending    IngestionStatus = "pending"
	StatusProcessing IngestionStatus = "processing"
	StatusIndexed    IngestionStatus = "indexed"
	StatusFailed     IngestionStatus = "failed"
)

// Terminal reports whether no further transitions happen within an attempt.
func (s IngestionStatus) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s IngestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusIndexed, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a file may move from s to next. Any state may
// return to pending, which starts a new logical attempt (operator re-enqueue
// or redelivery), and repeating the current status is allowed so a retried
// update is idempotent. A terminal status accepts nothing else. Pending may
// go straight to indexed because the processing update is best-effort.
func (s IngestionStatus) CanTransition(next IngestionStatus) bool {
	if !next.Valid() {
		return false
	}
	if next == StatusPending || next == s {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusIndexed || next == StatusFailed
	case StatusProcessing:
		return next == StatusIndexed || next == StatusFailed
	default:
		return false
	}
}

// StatusUpdateRequest is the body sent to the status API.
type StatusUpdateRequest struct {
	Status         IngestionStatus `json:"status"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	QdrantPointIDs []string        `json:"qdrant_point_ids,omitempty"`
}

// Indexed builds the success update; pointIDs are order-aligned with chunk
// indices.
func Indexed(pointIDs []string) StatusUpdateRequest {
	return StatusUpdateRequest{Status: StatusIndexed, QdrantPointIDs: pointIDs}
}

// Failed builds the failure update. No point ids are ever attached.
func Failed(message string) StatusUpdateRequest {
	return StatusUpdateRequest{Status: StatusFailed, ErrorMessage: &message}
}

// Processing builds the best-effort intermediate update.
func Processing() StatusUpdateRequest {
	return StatusUpdateRequest{Status: StatusProcessing}
}

// Pending builds the update used when an attempt is handed back to the queue.
func Pending() StatusUpdateRequest {
	return StatusUpdateRequest{Status: StatusPending}
}

// Validate enforces the body invariants: error_message iff failed,
// point ids only with indexed.
func (r StatusUpdateRequest) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Status == StatusFailed && (r.ErrorMessage == nil || *r.ErrorMessage == "") {
		return fmt.Errorf("status failed requires error_message")
	}
	if r.Status != StatusFailed && r.ErrorMessage != nil {
		return fmt.Errorf("error_message is only allowed with status failed")
	}
	if r.Status == StatusIndexed && len(r.QdrantPointIDs) == 0 {
		return fmt.Errorf("status indexed requires qdrant_point_ids")
	}
	if r.Status != StatusIndexed && len(r.QdrantPointIDs) > 0 {
		return fmt.Errorf("qdrant_point_ids are only allowed with status indexed")
	}
	return nil
}
