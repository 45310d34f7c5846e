// Package provider implements embedding.Provider for the supported
// embedding back ends. The variant is chosen once at startup from
// configuration.
package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/internal/embedding"
	apperrors "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/errors"
)

const (
	NameOpenAI = "openai"
	NameAzure  = "azure"
)

type Config struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the OpenAI endpoint; for Azure it is the resource
	// endpoint and Model is the deployment name.
	BaseURL    string
	APIVersion string
	BatchSize  int
}

// LangChain adapts a langchaingo embedder to embedding.Provider.
type LangChain struct {
	name     string
	model    string
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// New returns the provider named by cfg.Provider.
func New(cfg Config) (embedding.Provider, error) {
	switch cfg.Provider {
	case NameOpenAI, "":
		return NewOpenAI(cfg)
	case NameAzure:
		return NewAzure(cfg)
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown embedding provider %q", cfg.Provider)
	}
}

func NewOpenAI(cfg Config) (*LangChain, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return newLangChain(NameOpenAI, cfg, opts)
}

func NewAzure(cfg Config) (*LangChain, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "azure embedding provider requires base_url")
	}
	if cfg.APIVersion == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "azure embedding provider requires api_version")
	}
	opts := []openai.Option{
		openai.WithAPIType(openai.APITypeAzure),
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithAPIVersion(cfg.APIVersion),
		openai.WithEmbeddingModel(cfg.Model),
	}
	return newLangChain(NameAzure, cfg, opts)
}

func newLangChain(name string, cfg Config, opts []openai.Option) (*LangChain, error) {
	if cfg.Model == "" {
		return nil, apperrors.Newf(apperrors.ErrValidation, "%s embedding provider requires a model", name)
	}
	if cfg.APIKey == "" {
		return nil, apperrors.Newf(apperrors.ErrValidation, "%s embedding provider requires an api key", name)
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", name, err)
	}
	embedOpts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if cfg.BatchSize > 0 {
		embedOpts = append(embedOpts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := embeddings.NewEmbedder(client, embedOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating %s embedder: %w", name, err)
	}
	return &LangChain{
		name:     name,
		model:    cfg.Model,
		embedder: embedder,
		logger:   slog.Default().With("component", name+"-embedder", "model", cfg.Model),
	}, nil
}

func (p *LangChain) Name() string  { return p.name }
func (p *LangChain) Model() string { return p.model }

// Embed sends one batch of texts. Failures are tagged ErrProvider so the
// stage retries them.
func (p *LangChain) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.logger.Debug("generating embeddings", "count", len(texts))
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(apperrors.ErrTimeout, err, "embedding call cancelled")
		}
		return nil, apperrors.Wrap(apperrors.ErrProvider, err, p.name+" embeddings request")
	}
	return vectors, nil
}
