// Package corag provides a top-level convenience entry point for assembling
// the self-correcting retrieval pipeline with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/corag"
//
//	p, err := corag.New(
//	    corag.WithProvider(myLLMProvider),
//	    corag.WithEmbedder(myEmbedder),
//	)
//	resp, err := p.Run(ctx, pipeline.Request{ThreadID: "t1", Question: "..."})
//
// Every component can be replaced individually; unset components fall back to
// in-memory implementations suitable for development and tests.
package corag

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/corag/config"
	"github.com/BaSui01/corag/grading"
	"github.com/BaSui01/corag/internal/metrics"
	"github.com/BaSui01/corag/llm"
	"github.com/BaSui01/corag/llm/embedding"
	"github.com/BaSui01/corag/pipeline"
	"github.com/BaSui01/corag/query"
	"github.com/BaSui01/corag/retrieval"
	"github.com/BaSui01/corag/synthesis"
	"github.com/BaSui01/corag/tools"
)

// Request 重导出管线请求类型
type Request = pipeline.Request

// Response 重导出管线响应类型
type Response = pipeline.Response

// options 组装参数
type options struct {
	cfg         *config.Config
	provider    llm.Provider
	embedder    embedding.Provider
	store       retrieval.VectorStore
	tools       []tools.Tool
	checkpoints pipeline.CheckpointStore
	collector   *metrics.Collector
	logger      *zap.Logger
}

// Option 配置 [New] 创建的管线
type Option func(*options)

// WithConfig 使用完整配置,未设置时采用默认值.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithProvider 设置 LLM 提供者,必选.
func WithProvider(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithEmbedder 设置向量化提供者,默认为确定性哈希向量（仅限开发/测试）.
func WithEmbedder(e embedding.Provider) Option {
	return func(o *options) { o.embedder = e }
}

// WithVectorStore 设置向量存储,默认为内存实现.
func WithVectorStore(s retrieval.VectorStore) Option {
	return func(o *options) { o.store = s }
}

// WithTools 注册回退工具,顺序即优先级.
func WithTools(ts ...tools.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, ts...) }
}

// WithCheckpointStore 设置检查点存储,默认为内存实现.
func WithCheckpointStore(s pipeline.CheckpointStore) Option {
	return func(o *options) { o.checkpoints = s }
}

// WithCollector 设置 Prometheus 指标收集器
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithLogger 设置自定义 zap logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New 组装完整管线协调器
func New(opts ...Option) (*pipeline.Coordinator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.provider == nil {
		return nil, errors.New("corag: an LLM provider is required, use WithProvider")
	}
	if o.cfg == nil {
		o.cfg = config.DefaultConfig()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.embedder == nil {
		o.embedder = embedding.NewHashProvider(256)
	}
	if o.store == nil {
		o.store = retrieval.NewInMemoryVectorStore(o.logger)
	}
	if o.checkpoints == nil {
		o.checkpoints = pipeline.NewMemoryCheckpointStore()
	}

	client := llm.NewClient(o.provider, llm.ClientConfig{
		Model:       o.cfg.LLM.Model,
		Temperature: float32(o.cfg.LLM.Temperature),
		MaxTokens:   o.cfg.LLM.MaxTokens,
		Timeout:     o.cfg.LLM.Timeout,
	}, o.logger)
	client.SetCollector(o.collector)

	retriever := retrieval.NewHybridRetriever(o.store, o.embedder, retrieval.RetrieverConfig{
		K:      o.cfg.Retrieval.K,
		FetchK: o.cfg.Retrieval.FetchK,
		RRF: retrieval.RRFConfig{
			Constant:     float64(o.cfg.Retrieval.RRFConstant),
			DenseWeight:  o.cfg.Retrieval.DenseWeight,
			SparseWeight: o.cfg.Retrieval.SparseWeight,
		},
		MMR:          retrieval.MMRConfig{Lambda: o.cfg.Retrieval.MMRLambda},
		StoreTimeout: o.cfg.Retrieval.StoreTimeout,
		EmbedTimeout: o.cfg.Retrieval.EmbedTimeout,
	}, o.logger)
	retriever.SetCollector(o.collector)

	var router *tools.Router
	if len(o.tools) > 0 {
		router = tools.NewRouter(o.tools, tools.RouterConfig{
			ToolTimeout: o.cfg.Tools.ToolTimeout,
			RateLimit:   rate.Limit(o.cfg.Tools.RateLimit),
			RateBurst:   o.cfg.Tools.RateBurst,
			EnableCache: o.cfg.Tools.EnableCache,
			CacheTTL:    o.cfg.Tools.CacheTTL,
		}, o.logger)
	}

	deps := pipeline.CoordinatorDeps{
		Retriever: retriever,
		Grader: grading.NewGrader(client, grading.GraderConfig{
			Concurrency: o.cfg.Grading.Concurrency,
		}, o.logger),
		Rewriter: query.NewRewriter(client, query.RewriterConfig{
			MaxRewrites: o.cfg.Rewrite.MaxRewrites,
			EnableCache: o.cfg.Rewrite.EnableCache,
			CacheTTL:    o.cfg.Rewrite.CacheTTL,
		}, o.logger),
		Router: router,
		Synthesizer: synthesis.NewSynthesizer(client, synthesis.SynthesizerConfig{
			MaxEvidenceTokens: o.cfg.Synthesis.MaxEvidenceTokens,
			TokenizerModel:    o.cfg.Synthesis.TokenizerModel,
		}, o.logger),
		Validator:   synthesis.NewValidator(client, o.logger),
		Checkpoints: o.checkpoints,
		Collector:   o.collector,
	}

	return pipeline.NewCoordinator(deps, pipeline.CoordinatorConfig{
		K:              o.cfg.Pipeline.K,
		MinRelevant:    o.cfg.Pipeline.MinRelevant,
		SufficiencyK:   o.cfg.Pipeline.SufficiencyK,
		MaxTransitions: o.cfg.Pipeline.MaxTransitions,
	}, o.logger), nil
}
