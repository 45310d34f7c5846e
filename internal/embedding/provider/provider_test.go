package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

func fakeOpenAI(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"), r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 0.5, 1},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
}

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusOK)
	defer srv.Close()

	p, err := New(Config{Provider: NameOpenAI, Model: "text-embedding-3-small", APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, NameOpenAI, p.Name())
	assert.Equal(t, "text-embedding-3-small", p.Model())

	vectors, err := p.Embed(context.Background(), []string{"first chunk", "second chunk"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 3)
}

func TestOpenAIProvider_ServerErrorIsProviderError(t *testing.T) {
	srv := fakeOpenAI(t, http.StatusInternalServerError)
	defer srv.Close()

	p, err := NewOpenAI(Config{Model: "text-embedding-3-small", APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"chunk"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProvider)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Provider: "cohere", Model: "m", APIKey: "k"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = New(Config{Provider: NameOpenAI, Model: "m"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = New(Config{Provider: NameAzure, Model: "deployment", APIKey: "k", APIVersion: "2024-02-01"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	p, err := New(Config{
		Provider:   NameAzure,
		Model:      "embeddings-deployment",
		APIKey:     "k",
		BaseURL:    "https://example.openai.azure.com",
		APIVersion: "2024-02-01",
	})
	require.NoError(t, err)
	assert.Equal(t, NameAzure, p.Name())
}
