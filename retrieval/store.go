// Package retrieval 实现混合（稠密+稀疏）检索与多样性重选.
// 稠密与稀疏查找并发执行,经 RRF 融合后做 MMR 重选,
// 输出顺序对固定语料快照与固定查询完全确定.
package retrieval

import (
	"context"
	"errors"
)

// ErrStoreUnavailable 向量存储不可达
// 区别于空语料: 空语料返回空结果而非错误.
var ErrStoreUnavailable = errors.New("vector store unavailable")

// Document 索引文档
type Document struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Embedding []float64              `json:"embedding,omitempty"`
}

// SearchResult 单路检索结果
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// HybridSearchResult 原生混合检索结果
type HybridSearchResult struct {
	Document    Document `json:"document"`
	DenseScore  float64  `json:"dense_score"`
	SparseScore float64  `json:"sparse_score"`
	FusedScore  float64  `json:"fused_score"`
}

// VectorStore 向量存储接口
// 同一语料须支持独立的稠密与稀疏打分.
type VectorStore interface {
	// AddDocuments 添加文档
	AddDocuments(ctx context.Context, docs []Document) error

	// DenseSearch 按嵌入余弦相似度检索 Top-K
	DenseSearch(ctx context.Context, queryEmbedding []float64, topK int) ([]SearchResult, error)

	// SparseSearch 按 BM25 词法匹配检索 Top-K
	SparseSearch(ctx context.Context, query string, topK int) ([]SearchResult, error)

	// Count 返回文档数量
	Count(ctx context.Context) (int, error)
}

// HybridSearcher is an optional interface for stores with native hybrid
// scoring. Use type assertion to check support:
//
//	if h, ok := store.(HybridSearcher); ok { h.HybridSearch(ctx, q, emb, k) }
type HybridSearcher interface {
	HybridSearch(ctx context.Context, query string, queryEmbedding []float64, topK int) ([]HybridSearchResult, error)
}
