package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// --- Mocks ---

type mockPoints struct {
	upsertReqs []*pb.UpsertPoints
	upsertErr  error
	searchResp *pb.SearchResponse
	searchErr  error
	countResp  *pb.CountResponse
	countErr   error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReqs = append(m.upsertReqs, in)
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return m.searchResp, m.searchErr
}

func (m *mockPoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return m.countResp, m.countErr
}

type mockCollections struct {
	names      []string
	getResp    *pb.GetCollectionInfoResponse
	getErr     error
	created    []*pb.CreateCollection
	createErr  error
	deleted    []string
	deleteErr  error
	listErr    error
	listCalled int
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	m.listCalled++
	if m.listErr != nil {
		return nil, m.listErr
	}
	resp := &pb.ListCollectionsResponse{}
	for _, n := range m.names {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: n})
	}
	return resp, nil
}

func (m *mockCollections) Get(_ context.Context, _ *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	return m.getResp, m.getErr
}

func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in)
	return &pb.CollectionOperationResponse{}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, in *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.deleted = append(m.deleted, in.GetCollectionName())
	return &pb.CollectionOperationResponse{}, m.deleteErr
}

func infoWithDim(dim uint64) *pb.GetCollectionInfoResponse {
	return &pb.GetCollectionInfoResponse{
		Result: &pb.CollectionInfo{
			Config: &pb.CollectionConfig{
				Params: &pb.CollectionParams{
					VectorsConfig: &pb.VectorsConfig{
						Config: &pb.VectorsConfig_Params{
							Params: &pb.VectorParams{Size: dim, Distance: pb.Distance_Cosine},
						},
					},
				},
			},
		},
	}
}

func scored(score float32, text string) *pb.ScoredPoint {
	return &pb.ScoredPoint{
		Score: score,
		Payload: map[string]*pb.Value{
			"doc_id":     {Kind: &pb.Value_StringValue{StringValue: "doc1"}},
			"path":       {Kind: &pb.Value_StringValue{StringValue: "a.md"}},
			"title_path": {Kind: &pb.Value_StringValue{StringValue: "Top"}},
			"section":    {Kind: &pb.Value_StringValue{StringValue: "Top"}},
			"text":       {Kind: &pb.Value_StringValue{StringValue: text}},
			"hash":       {Kind: &pb.Value_StringValue{StringValue: "h"}},
		},
	}
}

// --- Tests ---

func TestSearchFiltersBelowThreshold(t *testing.T) {
	points := &mockPoints{
		searchResp: &pb.SearchResponse{Result: []*pb.ScoredPoint{
			scored(0.9, "strong"),
			scored(0.31, "borderline"),
			scored(0.29, "weak"),
			scored(0.05, "noise"),
		}},
	}
	vs := NewWithClients(points, &mockCollections{}, "kc", 4)

	got, err := vs.Search(context.Background(), []float32{1, 0, 0, 0}, 6)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2 above threshold", len(got))
	}
	if got[0].Text != "strong" || got[1].Text != "borderline" {
		t.Errorf("unexpected results: %q, %q", got[0].Text, got[1].Text)
	}
	if got[0].DocID != "doc1" || got[0].Path != "a.md" {
		t.Errorf("payload not mapped: %+v", got[0].Chunk)
	}
}

func TestSearchError(t *testing.T) {
	points := &mockPoints{searchErr: errors.New("unavailable")}
	vs := NewWithClients(points, &mockCollections{}, "kc", 4)
	if _, err := vs.Search(context.Background(), []float32{1}, 6); err == nil {
		t.Fatal("expected error")
	}
}

func TestCountMissingCollection(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "kc", 4)
	n, err := vs.Count(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Count = %d, %v; want 0, nil", n, err)
	}
}

func TestCountExisting(t *testing.T) {
	points := &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 42}}}
	cols := &mockCollections{names: []string{"kc"}}
	vs := NewWithClients(points, cols, "kc", 4)
	n, err := vs.Count(context.Background())
	if err != nil || n != 42 {
		t.Fatalf("Count = %d, %v; want 42, nil", n, err)
	}
}

func TestEnsureCollectionNoopOnMatch(t *testing.T) {
	cols := &mockCollections{names: []string{"kc"}, getResp: infoWithDim(4)}
	vs := NewWithClients(&mockPoints{}, cols, "kc", 4)
	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if len(cols.created) != 0 || len(cols.deleted) != 0 {
		t.Errorf("matching dimension must be a no-op, created=%d deleted=%d",
			len(cols.created), len(cols.deleted))
	}
}

func TestEnsureCollectionRecreatesOnMismatch(t *testing.T) {
	cols := &mockCollections{names: []string{"kc"}, getResp: infoWithDim(768)}
	vs := NewWithClients(&mockPoints{}, cols, "kc", 1536)
	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if len(cols.deleted) != 1 || len(cols.created) != 1 {
		t.Fatalf("want delete+create, got deleted=%d created=%d", len(cols.deleted), len(cols.created))
	}
	params := cols.created[0].GetVectorsConfig().GetParams()
	if params.GetSize() != 1536 || params.GetDistance() != pb.Distance_Cosine {
		t.Errorf("created with size=%d distance=%v", params.GetSize(), params.GetDistance())
	}
}

func TestEnsureCollectionCreatesWhenAbsent(t *testing.T) {
	cols := &mockCollections{}
	vs := NewWithClients(&mockPoints{}, cols, "kc", 1536)
	if err := vs.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if len(cols.created) != 1 {
		t.Fatal("expected create call")
	}
	if cols.created[0].GetOptimizersConfig().GetIndexingThreshold() != indexingThreshold {
		t.Error("indexing threshold not deferred")
	}
}

func TestResetReturnsPreviousCount(t *testing.T) {
	points := &mockPoints{countResp: &pb.CountResponse{Result: &pb.CountResult{Count: 7}}}
	cols := &mockCollections{names: []string{"kc"}, getResp: infoWithDim(4)}
	vs := NewWithClients(points, cols, "kc", 4)

	deleted, err := vs.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if deleted != 7 {
		t.Errorf("deleted = %d, want 7", deleted)
	}
	if len(cols.deleted) != 1 || len(cols.created) != 1 {
		t.Errorf("reset must delete and recreate, deleted=%d created=%d", len(cols.deleted), len(cols.created))
	}
}

func TestResetCountFailureTreatedAsZero(t *testing.T) {
	points := &mockPoints{countErr: errors.New("broken")}
	cols := &mockCollections{names: []string{"kc"}, getResp: infoWithDim(4)}
	vs := NewWithClients(points, cols, "kc", 4)

	deleted, err := vs.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0 when count fails", deleted)
	}
}

func TestUpsert(t *testing.T) {
	points := &mockPoints{}
	vs := NewWithClients(points, &mockCollections{}, "kc", 4)

	// Empty upsert is a no-op.
	if err := vs.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("empty Upsert: %v", err)
	}
	if len(points.upsertReqs) != 0 {
		t.Fatal("empty upsert should not hit the store")
	}

	recs := []VectorRecord{{
		ID:     "00000000-0000-0000-0000-000000000001",
		Vector: []float32{1, 2, 3, 4},
	}}
	recs[0].Chunk.DocID = "doc1"
	recs[0].Chunk.Text = "hello"
	if err := vs.Upsert(context.Background(), recs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	req := points.upsertReqs[0]
	if req.GetWait() != true {
		t.Error("upsert must wait for durability")
	}
	if len(req.GetPoints()) != 1 {
		t.Fatalf("points = %d", len(req.GetPoints()))
	}
	payload := req.GetPoints()[0].GetPayload()
	if payload["doc_id"].GetStringValue() != "doc1" || payload["text"].GetStringValue() != "hello" {
		t.Errorf("payload not mapped: %v", payload)
	}
}
