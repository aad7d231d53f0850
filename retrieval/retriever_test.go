package retrieval

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/llm/embedding"
)

func newTestRetriever(t *testing.T, store VectorStore) *HybridRetriever {
	t.Helper()
	cfg := DefaultRetrieverConfig()
	cfg.K = 3
	cfg.FetchK = 10
	return NewHybridRetriever(store, embedding.NewHashProvider(64), cfg, zap.NewNop())
}

func indexTestDocs(t *testing.T, store VectorStore, contents map[string]string) {
	t.Helper()
	embedder := embedding.NewHashProvider(64)
	var docs []Document
	for id, content := range contents {
		vec, err := embedding.EmbedOne(context.Background(), embedder, content)
		if err != nil {
			t.Fatalf("embed %s: %v", id, err)
		}
		docs = append(docs, Document{ID: id, Content: content, Embedding: vec})
	}
	if err := store.AddDocuments(context.Background(), docs); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
}

func TestHybridRetriever_RanksMatchingDocsFirst(t *testing.T) {
	t.Parallel()

	store := NewInMemoryVectorStore(zap.NewNop())
	indexTestDocs(t, store, map[string]string{
		"go1": "go concurrency with goroutines and channels",
		"go2": "go garbage collector internals",
		"py1": "python dynamic typing and decorators",
	})

	r := newTestRetriever(t, store)
	query := evidence.NewQuery("t1", "go goroutines channels")

	result, err := r.Retrieve(context.Background(), query, 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if result.Degraded {
		t.Fatal("unexpected degraded mode")
	}

	items := result.Evidence.Items()
	if len(items) == 0 {
		t.Fatal("expected results")
	}
	if items[0].Source.Locator != "go1" {
		t.Fatalf("expected go1 first, got %s", items[0].Source.Locator)
	}
	if items[0].DiversityRank != 0 {
		t.Fatalf("expected diversity rank 0, got %d", items[0].DiversityRank)
	}
}

func TestHybridRetriever_DeterministicAcrossCalls(t *testing.T) {
	t.Parallel()

	store := NewInMemoryVectorStore(zap.NewNop())
	indexTestDocs(t, store, map[string]string{
		"a": "alpha beta gamma",
		"b": "beta gamma delta",
		"c": "gamma delta epsilon",
		"d": "unrelated topic entirely",
	})

	r := newTestRetriever(t, store)
	query := evidence.NewQuery("t1", "beta gamma")

	first, err := r.Retrieve(context.Background(), query, 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), query, 3)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		a, b := first.Evidence.Items(), again.Evidence.Items()
		if len(a) != len(b) {
			t.Fatalf("length changed between calls: %d vs %d", len(a), len(b))
		}
		for j := range a {
			if a[j].ID != b[j].ID {
				t.Fatalf("order changed at %d: %s vs %s", j, a[j].ID, b[j].ID)
			}
		}
	}
}

func TestHybridRetriever_EmptyCorpusReturnsEmptySet(t *testing.T) {
	t.Parallel()

	store := NewInMemoryVectorStore(zap.NewNop())
	r := newTestRetriever(t, store)

	result, err := r.Retrieve(context.Background(), evidence.NewQuery("t1", "anything"), 3)
	if err != nil {
		t.Fatalf("empty corpus must not error: %v", err)
	}
	if result.Evidence.Len() != 0 {
		t.Fatalf("expected empty set, got %d items", result.Evidence.Len())
	}
}

func TestHybridRetriever_StoreUnavailable(t *testing.T) {
	t.Parallel()

	r := newTestRetriever(t, &unavailableStore{})

	_, err := r.Retrieve(context.Background(), evidence.NewQuery("t1", "anything"), 3)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestHybridRetriever_SparseFailureDegradesToDenseOnly(t *testing.T) {
	t.Parallel()

	inner := NewInMemoryVectorStore(zap.NewNop())
	indexTestDocs(t, inner, map[string]string{
		"a": "alpha beta",
		"b": "gamma delta",
	})

	r := newTestRetriever(t, &sparseFailingStore{VectorStore: inner})

	result, err := r.Retrieve(context.Background(), evidence.NewQuery("t1", "alpha"), 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !result.Degraded {
		t.Fatal("expected degraded mode when sparse search fails")
	}
	if result.Evidence.Len() == 0 {
		t.Fatal("dense-only retrieval should still return results")
	}
}

func TestHybridRetriever_NativeHybridPreferred(t *testing.T) {
	t.Parallel()

	native := &nativeHybridStore{}
	r := newTestRetriever(t, native)

	result, err := r.Retrieve(context.Background(), evidence.NewQuery("t1", "q"), 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !native.hybridCalled {
		t.Fatal("expected HybridSearch to be used")
	}
	items := result.Evidence.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].FusedScore != 0.9 {
		t.Fatalf("native fused score not carried: %v", items[0].FusedScore)
	}
}

// ====== 测试桩 ======

type unavailableStore struct{}

func (s *unavailableStore) AddDocuments(ctx context.Context, docs []Document) error { return nil }
func (s *unavailableStore) Count(ctx context.Context) (int, error)                  { return 0, nil }
func (s *unavailableStore) DenseSearch(ctx context.Context, q []float64, k int) ([]SearchResult, error) {
	return nil, ErrStoreUnavailable
}
func (s *unavailableStore) SparseSearch(ctx context.Context, q string, k int) ([]SearchResult, error) {
	return nil, ErrStoreUnavailable
}

type sparseFailingStore struct {
	VectorStore
}

func (s *sparseFailingStore) SparseSearch(ctx context.Context, q string, k int) ([]SearchResult, error) {
	return nil, errors.New("sparse index corrupted")
}

type nativeHybridStore struct {
	hybridCalled bool
}

func (s *nativeHybridStore) AddDocuments(ctx context.Context, docs []Document) error { return nil }
func (s *nativeHybridStore) Count(ctx context.Context) (int, error)                  { return 2, nil }
func (s *nativeHybridStore) DenseSearch(ctx context.Context, q []float64, k int) ([]SearchResult, error) {
	return nil, errors.New("should not be called")
}
func (s *nativeHybridStore) SparseSearch(ctx context.Context, q string, k int) ([]SearchResult, error) {
	return nil, errors.New("should not be called")
}
func (s *nativeHybridStore) HybridSearch(ctx context.Context, q string, emb []float64, k int) ([]HybridSearchResult, error) {
	s.hybridCalled = true
	return []HybridSearchResult{
		{Document: Document{ID: "n1", Content: "native one", Embedding: []float64{1, 0}}, DenseScore: 0.8, SparseScore: 0.7, FusedScore: 0.9},
		{Document: Document{ID: "n2", Content: "native two", Embedding: []float64{0, 1}}, DenseScore: 0.5, SparseScore: 0.4, FusedScore: 0.6},
	}, nil
}
