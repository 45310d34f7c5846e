package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"

	pkgqdrant "github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/qdrant"
)

// PayloadIndexFields are the keyword payload fields indexed on collection
// creation; retrieval filters on them and DeleteByFile matches file_id.
var PayloadIndexFields = []string{"file_id", "user_id", "firm_id"}

// QdrantStore is the VectorStore backed by a Qdrant collection.
type QdrantStore struct {
	client *pkgqdrant.Client
}

func NewQdrantStore(client *pkgqdrant.Client) *QdrantStore {
	return &QdrantStore{client: client}
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if err := s.client.EnsureCollection(ctx); err != nil {
		return err
	}
	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payloadValues(p.Payload)),
		}
	}
	return s.client.Upsert(ctx, structs)
}

func (s *QdrantStore) DeleteByFile(ctx context.Context, fileID string) error {
	if err := s.client.EnsureCollection(ctx); err != nil {
		return err
	}
	return s.client.DeleteByField(ctx, "file_id", fileID)
}

func (s *QdrantStore) CountByFile(ctx context.Context, fileID string) (int, error) {
	if err := s.client.EnsureCollection(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.CountByField(ctx, "file_id", fileID)
	return int(n), err
}

// payloadValues narrows metadata to the value types the Qdrant value map
// accepts.
func payloadValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case nil, string, bool, int, int64, float64:
			out[k] = tv
		case int32:
			out[k] = int64(tv)
		case float32:
			out[k] = float64(tv)
		case *int:
			if tv != nil {
				out[k] = *tv
			}
		case *string:
			if tv != nil {
				out[k] = *tv
			}
		case time.Time:
			out[k] = tv.UTC().Format(time.RFC3339)
		case *time.Time:
			if tv != nil {
				out[k] = tv.UTC().Format(time.RFC3339)
			}
		case []string:
			list := make([]any, len(tv))
			for i, s := range tv {
				list[i] = s
			}
			out[k] = list
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out
}
