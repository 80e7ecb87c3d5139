// Package semantic owns all Qdrant operations: collection lifecycle,
// point upserts, and thresholded similarity search.
package semantic

import (
	"context"
	"fmt"

	"github.com/Milittle/EngineQA/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// ScoreThreshold is the minimum similarity a retrieved chunk must
	// meet. Results below it are dropped regardless of how many hits
	// the store returns.
	ScoreThreshold float32 = 0.3

	// indexingThreshold defers HNSW index builds during bulk load.
	indexingThreshold uint64 = 20000
)

// pointsAPI is the slice of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// collectionsAPI is the slice of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of the target collection.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	vectorSize  int
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, vectorSize int) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		vectorSize:  vectorSize,
	}, nil
}

// NewWithClients creates a VectorStore over existing clients. Used by tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, vectorSize int) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		vectorSize:  vectorSize,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Collection returns the collection name.
func (v *VectorStore) Collection() string { return v.collection }

// EnsureCollection verifies the collection exists with the configured
// vector dimension. A dimension mismatch deletes and recreates it;
// absence creates it with cosine similarity and a deferred indexing
// threshold.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	exists, err := v.exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		dim, err := v.collectionDim(ctx)
		if err != nil {
			return err
		}
		if dim == uint64(v.vectorSize) {
			return nil
		}
		if err := v.deleteCollection(ctx); err != nil {
			return err
		}
	}
	return v.create(ctx)
}

// Reset rebuilds the collection from scratch and returns how many
// points the previous generation held. A count failure is treated as
// zero so a broken collection can still be rebuilt.
func (v *VectorStore) Reset(ctx context.Context) (int, error) {
	deleted, err := v.Count(ctx)
	if err != nil {
		deleted = 0
	}

	exists, err := v.exists(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		if err := v.deleteCollection(ctx); err != nil {
			return 0, err
		}
	}
	if err := v.create(ctx); err != nil {
		return 0, err
	}
	return deleted, nil
}

// Count returns the number of points, or 0 if the collection does not exist.
func (v *VectorStore) Count(ctx context.Context) (int, error) {
	exists, err := v.exists(ctx)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	exact := false
	resp, err := v.points.Count(ctx, &pb.CountPoints{
		CollectionName: v.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("semantic: count points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Upsert stores records with wait-for-durability.
func (v *VectorStore) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: chunkPayload(r.Chunk),
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(records), err)
	}
	return nil
}

// Search performs k-NN similarity search for topK nearest points and
// filters out hits below ScoreThreshold. An empty result is not an error.
func (v *VectorStore) Search(ctx context.Context, vector []float32, topK int) ([]domain.RetrievedChunk, error) {
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	var results []domain.RetrievedChunk
	for _, hit := range resp.GetResult() {
		if hit.GetScore() < ScoreThreshold {
			continue
		}
		results = append(results, domain.RetrievedChunk{
			Chunk: chunkFromPayload(hit.GetPayload()),
			Score: hit.GetScore(),
		})
	}
	return results, nil
}

func (v *VectorStore) exists(ctx context.Context) (bool, error) {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return true, nil
		}
	}
	return false, nil
}

func (v *VectorStore) collectionDim(ctx context.Context) (uint64, error) {
	info, err := v.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: v.collection})
	if err != nil {
		return 0, fmt.Errorf("semantic: collection info %s: %w", v.collection, err)
	}
	return info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(), nil
}

func (v *VectorStore) create(ctx context.Context) error {
	threshold := indexingThreshold
	_, err := v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.vectorSize),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		OptimizersConfig: &pb.OptimizersConfigDiff{
			IndexingThreshold: &threshold,
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

func (v *VectorStore) deleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: v.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", v.collection, err)
	}
	return nil
}

func chunkPayload(c domain.Chunk) map[string]*pb.Value {
	str := func(s string) *pb.Value {
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
	}
	return map[string]*pb.Value{
		"doc_id":     str(c.DocID),
		"path":       str(c.Path),
		"title_path": str(c.TitlePath),
		"section":    str(c.Section),
		"text":       str(c.Text),
		"hash":       str(c.Hash),
	}
}

func chunkFromPayload(payload map[string]*pb.Value) domain.Chunk {
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return domain.Chunk{
		DocID:     get("doc_id"),
		Path:      get("path"),
		TitlePath: get("title_path"),
		Section:   get("section"),
		Text:      get("text"),
		Hash:      get("hash"),
	}
}
