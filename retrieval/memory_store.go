package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// InMemoryVectorStore 内存向量存储
// 同时维护稠密嵌入与 BM25 统计,用于测试和小规模应用.
type InMemoryVectorStore struct {
	documents []Document

	// BM25 统计
	avgDocLen float64
	docLens   []int
	idf       map[string]float64
	bm25K1    float64
	bm25B     float64

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewInMemoryVectorStore 创建内存向量存储
func NewInMemoryVectorStore(logger *zap.Logger) *InMemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorStore{
		idf:    make(map[string]float64),
		bm25K1: 1.5,
		bm25B:  0.75,
		logger: logger.With(zap.String("component", "memory_vector_store")),
	}
}

// AddDocuments 添加文档并重建 BM25 统计
func (s *InMemoryVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.documents = append(s.documents, docs...)
	s.computeBM25Stats()

	s.logger.Info("documents added to vector store",
		zap.Int("count", len(docs)),
		zap.Int("total", len(s.documents)))
	return nil
}

// DenseSearch 余弦相似度检索
func (s *InMemoryVectorStore) DenseSearch(ctx context.Context, queryEmbedding []float64, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(s.documents))
	for _, doc := range s.documents {
		if doc.Embedding == nil {
			continue
		}
		results = append(results, SearchResult{
			Document: doc,
			Score:    CosineSimilarity(queryEmbedding, doc.Embedding),
		})
	}

	sortResults(results)
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// SparseSearch BM25 检索
// 零分文档不进入结果,语料为空时返回空切片.
func (s *InMemoryVectorStore) SparseSearch(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTerms := tokenize(query)
	results := make([]SearchResult, 0, len(s.documents))

	for i, doc := range s.documents {
		termFreq := make(map[string]int)
		for _, term := range tokenize(doc.Content) {
			termFreq[term]++
		}

		score := 0.0
		docLen := float64(s.docLens[i])
		for _, qTerm := range queryTerms {
			tf, ok := termFreq[qTerm]
			if !ok {
				continue
			}
			idf := s.idf[qTerm]

			// BM25 公式
			numerator := float64(tf) * (s.bm25K1 + 1.0)
			denominator := float64(tf) + s.bm25K1*(1.0-s.bm25B+s.bm25B*(docLen/s.avgDocLen))
			score += idf * (numerator / denominator)
		}

		if score > 0 {
			results = append(results, SearchResult{Document: doc, Score: score})
		}
	}

	sortResults(results)
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Count 返回文档数量
func (s *InMemoryVectorStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents), nil
}

// computeBM25Stats 计算 IDF 与文档长度统计,调用方须持有写锁.
func (s *InMemoryVectorStore) computeBM25Stats() {
	totalLen := 0
	s.docLens = make([]int, len(s.documents))
	termDocCount := make(map[string]int)

	for i, doc := range s.documents {
		terms := tokenize(doc.Content)
		s.docLens[i] = len(terms)
		totalLen += len(terms)

		seen := make(map[string]bool)
		for _, term := range terms {
			if !seen[term] {
				termDocCount[term]++
				seen[term] = true
			}
		}
	}

	if len(s.documents) > 0 {
		s.avgDocLen = float64(totalLen) / float64(len(s.documents))
	}

	s.idf = make(map[string]float64, len(termDocCount))
	N := float64(len(s.documents))
	for term, df := range termDocCount {
		s.idf[term] = math.Log((N-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}
}

// CosineSimilarity 计算余弦相似度
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortResults 按分数降序排序,同分按文档 ID 升序保证确定性.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}

// tokenize 分词: 转小写并按空白分割
func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
