package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

const DefaultHTTPTimeout = 10 * time.Second

// HTTPReporter sends PUT {baseURL}/api/v1/files/{file_id}/status.
type HTTPReporter struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewHTTPReporter(baseURL, token string, timeout time.Duration) *HTTPReporter {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPReporter{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Report returns ErrReporting for network failures, 5xx, 408 and 429, and
// ErrValidation for any other rejection.
func (r *HTTPReporter) Report(ctx context.Context, fileID string, req ingestion.StatusUpdateRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	endpoint := fmt.Sprintf("%s/api/v1/files/%s/status", r.baseURL, url.PathEscape(fileID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReporting, err, "send status update")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return apperrors.Newf(apperrors.ErrReporting, "status api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.Newf(apperrors.ErrNotFound, "status api has no file %s", fileID)
	default:
		return apperrors.Newf(apperrors.ErrValidation, "status api rejected update with %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
