package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/internal/metrics"
	"github.com/BaSui01/corag/llm/embedding"
)

// ErrEmbeddingFailure 查询嵌入失败
var ErrEmbeddingFailure = errors.New("query embedding failed")

// RetrieverConfig 混合检索器配置
type RetrieverConfig struct {
	K            int           `json:"k" yaml:"k"`                         // 最终返回条数
	FetchK       int           `json:"fetch_k" yaml:"fetch_k"`             // 每路候选条数 (fetch_k >= k)
	RRF          RRFConfig     `json:"rrf" yaml:"rrf"`                     // 融合参数
	MMR          MMRConfig     `json:"mmr" yaml:"mmr"`                     // 多样性参数
	StoreTimeout time.Duration `json:"store_timeout" yaml:"store_timeout"` // 向量存储调用超时
	EmbedTimeout time.Duration `json:"embed_timeout" yaml:"embed_timeout"` // 嵌入调用超时
}

// DefaultRetrieverConfig 返回默认配置
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		K:            15,
		FetchK:       50,
		RRF:          DefaultRRFConfig(),
		MMR:          DefaultMMRConfig(),
		StoreTimeout: 2 * time.Second,
		EmbedTimeout: 1 * time.Second,
	}
}

// Result 检索结果
type Result struct {
	Evidence *evidence.Set
	// Degraded 表示稀疏通道不可用,本次为仅稠密的降级检索.
	Degraded bool
}

// HybridRetriever 混合检索器
// 稠密与稀疏查找并发执行,RRF 融合后做 MMR 多样性重选.
// 只读,无副作用.
type HybridRetriever struct {
	store     VectorStore
	embedder  embedding.Provider
	config    RetrieverConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewHybridRetriever 创建混合检索器
func NewHybridRetriever(store VectorStore, embedder embedding.Provider, config RetrieverConfig, logger *zap.Logger) *HybridRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.K <= 0 {
		config.K = DefaultRetrieverConfig().K
	}
	if config.FetchK < config.K {
		config.FetchK = DefaultRetrieverConfig().FetchK
		if config.FetchK < config.K {
			config.FetchK = config.K
		}
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultRetrieverConfig().StoreTimeout
	}
	if config.EmbedTimeout <= 0 {
		config.EmbedTimeout = DefaultRetrieverConfig().EmbedTimeout
	}
	return &HybridRetriever{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger.With(zap.String("component", "hybrid_retriever")),
	}
}

// SetCollector 绑定指标收集器,nil 安全.
func (r *HybridRetriever) SetCollector(collector *metrics.Collector) { r.collector = collector }

// Retrieve 对当前查询文本执行混合检索,返回 Top-K 证据集.
// 空语料返回空证据集; 存储不可达返回 ErrStoreUnavailable.
func (r *HybridRetriever) Retrieve(ctx context.Context, query evidence.Query, k int) (*Result, error) {
	if k <= 0 {
		k = r.config.K
	}
	start := time.Now()

	queryEmbedding, err := r.embedQuery(ctx, query.CurrentText)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	degraded := false

	// 支持原生混合打分的存储直接使用其融合分
	if hybrid, ok := r.store.(HybridSearcher); ok {
		candidates, err = r.nativeHybrid(ctx, hybrid, query.CurrentText, queryEmbedding)
		if err != nil {
			return nil, err
		}
	} else {
		candidates, degraded, err = r.fanOutAndFuse(ctx, query.CurrentText, queryEmbedding)
		if err != nil {
			return nil, err
		}
	}

	selected := SelectMMR(candidates, k, r.config.MMR)

	set := evidence.NewSet()
	for rank, c := range selected {
		src := evidence.Source{Origin: "vector_store", Locator: c.Document.ID}
		set.Add(evidence.Item{
			ID:            evidence.ItemID(c.Document.Content, src),
			Content:       c.Document.Content,
			Source:        src,
			DenseScore:    c.DenseScore,
			SparseScore:   c.SparseScore,
			FusedScore:    c.FusedScore,
			DiversityRank: rank,
			Relevance:     evidence.RelevanceUngraded,
		})
	}

	r.collector.ObserveRetrieval(time.Since(start), set.Len())
	r.logger.Debug("hybrid retrieval completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", set.Len()),
		zap.Bool("degraded", degraded),
		zap.Duration("duration", time.Since(start)))

	return &Result{Evidence: set, Degraded: degraded}, nil
}

func (r *HybridRetriever) embedQuery(ctx context.Context, text string) ([]float64, error) {
	embedCtx, cancel := context.WithTimeout(ctx, r.config.EmbedTimeout)
	defer cancel()

	vec, err := embedding.EmbedOne(embedCtx, r.embedder, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
	}
	return vec, nil
}

func (r *HybridRetriever) nativeHybrid(ctx context.Context, store HybridSearcher, query string, queryEmbedding []float64) ([]Candidate, error) {
	storeCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	results, err := store.HybridSearch(storeCtx, query, queryEmbedding, r.config.FetchK)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, res := range results {
		candidates = append(candidates, Candidate{
			Document:    res.Document,
			DenseScore:  res.DenseScore,
			SparseScore: res.SparseScore,
			FusedScore:  res.FusedScore,
		})
	}
	return candidates, nil
}

// fanOutAndFuse 并发执行稠密与稀疏查找并以 RRF 融合.
// 稠密通道失败视为存储不可达; 稀疏通道失败降级为仅稠密并记录.
func (r *HybridRetriever) fanOutAndFuse(ctx context.Context, query string, queryEmbedding []float64) ([]Candidate, bool, error) {
	var dense, sparse []SearchResult
	var sparseErr error

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		denseCtx, cancel := context.WithTimeout(gctx, r.config.StoreTimeout)
		defer cancel()
		results, err := r.store.DenseSearch(denseCtx, queryEmbedding, r.config.FetchK)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		dense = results
		return nil
	})

	g.Go(func() error {
		sparseCtx, cancel := context.WithTimeout(gctx, r.config.StoreTimeout)
		defer cancel()
		results, err := r.store.SparseSearch(sparseCtx, query, r.config.FetchK)
		if err != nil {
			// 局部降级: 稀疏失败不放弃整次检索
			sparseErr = err
			return nil
		}
		sparse = results
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	degraded := sparseErr != nil
	if degraded {
		r.logger.Warn("sparse search unavailable, degrading to dense-only", zap.Error(sparseErr))
		sparse = nil
	}

	return FuseRRF(dense, sparse, r.config.RRF), degraded, nil
}
