package retrieval

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestInMemoryVectorStore_SparseSearchBM25(t *testing.T) {
	t.Parallel()

	store := NewInMemoryVectorStore(zap.NewNop())
	docs := []Document{
		{ID: "a", Content: "the quick brown fox jumps"},
		{ID: "b", Content: "quick quick quick sort algorithm"},
		{ID: "c", Content: "completely unrelated text"},
	}
	if err := store.AddDocuments(context.Background(), docs); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	results, err := store.SparseSearch(context.Background(), "quick", 10)
	if err != nil {
		t.Fatalf("SparseSearch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
	// 词频更高的文档 BM25 得分更高
	if results[0].Document.ID != "b" {
		t.Fatalf("expected b first, got %s", results[0].Document.ID)
	}
}

func TestInMemoryVectorStore_DenseSearchOrders(t *testing.T) {
	t.Parallel()

	store := NewInMemoryVectorStore(zap.NewNop())
	docs := []Document{
		{ID: "x", Content: "x", Embedding: []float64{1, 0}},
		{ID: "y", Content: "y", Embedding: []float64{0, 1}},
		{ID: "z", Content: "z", Embedding: []float64{0.9, 0.1}},
	}
	if err := store.AddDocuments(context.Background(), docs); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	results, err := store.DenseSearch(context.Background(), []float64{1, 0}, 2)
	if err != nil {
		t.Fatalf("DenseSearch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Document.ID != "x" || results[1].Document.ID != "z" {
		t.Fatalf("unexpected order: %s, %s", results[0].Document.ID, results[1].Document.ID)
	}
}

func TestInMemoryVectorStore_AddRecomputesStats(t *testing.T) {
	t.Parallel()

	store := NewInMemoryVectorStore(zap.NewNop())
	if err := store.AddDocuments(context.Background(), []Document{{ID: "a", Content: "alpha beta"}}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if err := store.AddDocuments(context.Background(), []Document{{ID: "b", Content: "alpha gamma"}}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 docs, got %d", count)
	}

	// 第二批文档必须可被稀疏检索命中
	results, err := store.SparseSearch(context.Background(), "gamma", 10)
	if err != nil {
		t.Fatalf("SparseSearch: %v", err)
	}
	if len(results) != 1 || results[0].Document.ID != "b" {
		t.Fatalf("expected b, got %v", results)
	}
}
