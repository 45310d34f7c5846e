// Package validator provides input validation for ingestion job messages.
// It enforces required fields and length constraints and returns per-field
// error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

const (
	maxIDLength       = 255
	maxBlobPathLength = 1024
	maxFilenameLength = 512
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

// Unwrap lets callers match the error with errors.Is(err, apperrors.ErrValidation).
func (e *ValidationError) Unwrap() error {
	return apperrors.ErrValidation
}

// ValidateMessage checks the fields of an ingestion job message and returns
// a ValidationError if any are missing or malformed.
func ValidateMessage(msg *ingestion.IngestionMessage) error {
	errs := make(map[string]string)

	checkID(errs, "file_id", msg.FileID, true)
	checkID(errs, "user_id", msg.UserID, true)
	if msg.FirmID != nil {
		checkID(errs, "firm_id", *msg.FirmID, false)
	}

	blobPath := strings.TrimSpace(msg.BlobPath)
	switch {
	case blobPath == "":
		errs["blob_path"] = "blob_path is required"
	case len(blobPath) > maxBlobPathLength:
		errs["blob_path"] = fmt.Sprintf("blob_path must be at most %d characters", maxBlobPathLength)
	case hasParentSegment(blobPath):
		errs["blob_path"] = "blob_path must not traverse upwards"
	}

	filename := strings.TrimSpace(msg.Filename)
	if filename == "" {
		errs["filename"] = "filename is required"
	} else if len(filename) > maxFilenameLength {
		errs["filename"] = fmt.Sprintf("filename must be at most %d characters", maxFilenameLength)
	}
	if strings.TrimSpace(msg.FileType) == "" {
		errs["file_type"] = "file_type is required"
	}
	if msg.CreatedAt.IsZero() {
		errs["created_at"] = "created_at is required"
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func checkID(errs map[string]string, field, value string, required bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			errs[field] = field + " is required"
		} else {
			errs[field] = field + " must not be blank when present"
		}
		return
	}
	if len(value) > maxIDLength {
		errs[field] = fmt.Sprintf("%s must be at most %d characters", field, maxIDLength)
	}
	if strings.Contains(value, ":") {
		errs[field] = field + " must not contain ':'"
	}
}

func hasParentSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
