// Package qdrant wraps the Qdrant gRPC client with the collection bootstrap,
// filtered delete and count operations the indexing stage needs.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/metrics"
)

// Client wraps a Qdrant client bound to one collection.
type Client struct {
	client     *qdrant.Client
	collection string
	vectorSize uint64
	distance   qdrant.Distance
	indexed    []string
	ensure     singleflight.Group
	ready      atomic.Bool
	logger     *slog.Logger
}

// NewClient connects to Qdrant. vectorSize is the embedding dimensionality
// used when the collection has to be created; keywordFields get payload
// indexes for filtered retrieval and deletes. Every RPC is timed into m.
func NewClient(cfg config.QdrantConfig, vectorSize int, m *metrics.Metrics, keywordFields ...string) (*Client, error) {
	distance, err := parseDistance(cfg.Distance)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: grpc.DialOptions(
			slog.Default().With("peer", "qdrant"),
			5*time.Second,
			m.ObserveRPC,
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}
	return &Client{
		client:     client,
		collection: cfg.Collection,
		vectorSize: uint64(vectorSize),
		distance:   distance,
		indexed:    keywordFields,
		logger:     slog.Default().With("component", "qdrant", "collection", cfg.Collection),
	}, nil
}

func parseDistance(name string) (qdrant.Distance, error) {
	switch strings.ToLower(name) {
	case "", "cosine":
		return qdrant.Distance_Cosine, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	case "euclid":
		return qdrant.Distance_Euclid, nil
	default:
		return 0, fmt.Errorf("unknown qdrant distance %q", name)
	}
}

func (c *Client) Collection() string {
	return c.collection
}

// EnsureCollection creates the collection and its payload indexes if they
// do not exist. Concurrent callers share one round trip and later calls are
// free.
func (c *Client) EnsureCollection(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	_, err, _ := c.ensure.Do(c.collection, func() (any, error) {
		exists, err := c.client.CollectionExists(ctx, c.collection)
		if err != nil {
			return nil, fmt.Errorf("checking collection %s: %w", c.collection, err)
		}
		if !exists {
			err = c.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: c.collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     c.vectorSize,
					Distance: c.distance,
				}),
			})
			if err != nil {
				return nil, fmt.Errorf("creating collection %s: %w", c.collection, err)
			}
			c.logger.Info("created collection", "vector_size", c.vectorSize, "distance", c.distance.String())
			for _, field := range c.indexed {
				_, err := c.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
					CollectionName: c.collection,
					FieldName:      field,
					FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
					Wait:           qdrant.PtrOf(true),
				})
				if err != nil {
					return nil, fmt.Errorf("indexing payload field %s: %w", field, err)
				}
			}
		}
		c.ready.Store(true)
		return nil, nil
	})
	return err
}

// Upsert writes points and waits until they are applied. A single call is
// applied atomically by Qdrant.
func (c *Client) Upsert(ctx context.Context, points []*qdrant.PointStruct) error {
	_, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByField removes every point whose keyword payload field equals
// value.
func (c *Client) DeleteByField(ctx context.Context, field, value string) error {
	_, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(field, value)},
		}),
	})
	if err != nil {
		return fmt.Errorf("deleting points where %s=%s: %w", field, value, err)
	}
	return nil
}

// CountByField returns the exact number of points whose payload field
// equals value.
func (c *Client) CountByField(ctx context.Context, field, value string) (uint64, error) {
	n, err := c.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: c.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(field, value)},
		},
		Exact: qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting points where %s=%s: %w", field, value, err)
	}
	return n, nil
}

// Ping runs the Qdrant health check RPC.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.HealthCheck(ctx)
	return err
}

func (c *Client) Close() error {
	return c.client.Close()
}
