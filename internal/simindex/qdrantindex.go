package simindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// QdrantIndex delegates nearest-neighbour search to a Qdrant
// collection over gRPC, for deployments with a vector database large
// enough that a brute-force scan no longer fits the latency budget.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex connects to host:port and ensures collection exists
// with the given vector dimension, creating it if absent.
func NewQdrantIndex(ctx context.Context, host string, port int, collection string, dim int) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant at %s:%d: %w", host, port, err)
	}
	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", collection, err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("create collection %s: %w", collection, err)
		}
	}
	return &QdrantIndex{client: client, collection: collection}, nil
}

func (q *QdrantIndex) Insert(ctx context.Context, id record.ID, vector []float32) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDNum(recordIDToUint64(id)),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(map[string]any{"record_id": string(id)}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", id, err)
	}
	return nil
}

func (q *QdrantIndex) Remove(ctx context.Context, id record.ID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(recordIDToUint64(id))),
	})
	if err != nil {
		return fmt.Errorf("delete point %s: %w", id, err)
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int, exclude record.ID) ([]Neighbor, error) {
	limit := uint64(k)
	if exclude != "" {
		limit++ // account for possibly filtering the excluded id out below
	}
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", q.collection, err)
	}
	out := make([]Neighbor, 0, len(points))
	for _, p := range points {
		rid := record.ID(p.GetPayload()["record_id"].GetStringValue())
		if rid == exclude {
			continue
		}
		out = append(out, Neighbor{ID: rid, Score: float64(p.GetScore())})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// recordIDToUint64 folds a content-addressed hex ID into the numeric
// point id Qdrant expects, since our IDs are already hash digests.
func recordIDToUint64(id record.ID) uint64 {
	var h uint64
	for i := 0; i < len(id); i++ {
		h = h*131 + uint64(id[i])
	}
	return h
}
