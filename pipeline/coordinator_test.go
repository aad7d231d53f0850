package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/grading"
	"github.com/BaSui01/corag/llm"
	"github.com/BaSui01/corag/llm/embedding"
	"github.com/BaSui01/corag/query"
	"github.com/BaSui01/corag/retrieval"
	"github.com/BaSui01/corag/synthesis"
	"github.com/BaSui01/corag/tools"
)

// fakeLLM 按模板类型返回可配置回复的 LLM 提供者
type fakeLLM struct {
	// 提示中包含 relevantMarker 的段落判相关
	relevantMarker string
	rewriteText    string
	synthAnswer    string
	supported      bool
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[0].Content
	var text string
	switch req.Metadata["template_id"] {
	case llm.TemplateGradeRelevance:
		if f.relevantMarker != "" && strings.Contains(prompt, f.relevantMarker) {
			text = `{"relevant": true}`
		} else {
			text = `{"relevant": false}`
		}
	case llm.TemplateRewriteQuery:
		text = f.rewriteText
	case llm.TemplateSynthesizeAnswer, llm.TemplateSynthesizeStrict:
		text = f.synthAnswer
	case llm.TemplateValidateAnswer:
		if f.supported {
			text = `{"supported": true}`
		} else {
			text = `{"supported": false, "unsupported_claims": ["claim"]}`
		}
	default:
		text = "unexpected template"
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}},
	}, nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *retrieval.InMemoryVectorStore
	checkpoints *MemoryCheckpointStore
}

func newFixture(t *testing.T, provider llm.Provider, maxRewrites int, fallbackTools []tools.Tool) *coordinatorFixture {
	t.Helper()
	logger := zap.NewNop()
	client := llm.NewClient(provider, llm.DefaultClientConfig(), logger)

	store := retrieval.NewInMemoryVectorStore(logger)
	retrieverCfg := retrieval.DefaultRetrieverConfig()
	retrieverCfg.FetchK = 10
	retriever := retrieval.NewHybridRetriever(store, embedding.NewHashProvider(64), retrieverCfg, logger)

	rewriterCfg := query.DefaultRewriterConfig()
	rewriterCfg.MaxRewrites = maxRewrites

	var router *tools.Router
	if fallbackTools != nil {
		routerCfg := tools.DefaultRouterConfig()
		routerCfg.RateLimit = 0
		router = tools.NewRouter(fallbackTools, routerCfg, logger)
	}

	checkpoints := NewMemoryCheckpointStore()
	coordinator := NewCoordinator(CoordinatorDeps{
		Retriever:   retriever,
		Grader:      grading.NewGrader(client, grading.DefaultGraderConfig(), logger),
		Rewriter:    query.NewRewriter(client, rewriterCfg, logger),
		Router:      router,
		Synthesizer: synthesis.NewSynthesizer(client, synthesis.DefaultSynthesizerConfig(), logger),
		Validator:   synthesis.NewValidator(client, logger),
		Checkpoints: checkpoints,
	}, DefaultCoordinatorConfig(), logger)

	return &coordinatorFixture{coordinator: coordinator, store: store, checkpoints: checkpoints}
}

func indexDocs(t *testing.T, store *retrieval.InMemoryVectorStore, contents map[string]string) {
	t.Helper()
	embedder := embedding.NewHashProvider(64)
	var docs []retrieval.Document
	for id, content := range contents {
		vec, err := embedding.EmbedOne(context.Background(), embedder, content)
		require.NoError(t, err)
		docs = append(docs, retrieval.Document{ID: id, Content: content, Embedding: vec})
	}
	require.NoError(t, store.AddDocuments(context.Background(), docs))
}

func TestCoordinator_HappyPathToDone(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "goroutines",
		synthAnswer:    "Goroutines are lightweight threads managed by the Go runtime [1].",
		supported:      true,
	}
	fx := newFixture(t, provider, 2, nil)
	indexDocs(t, fx.store, map[string]string{
		"doc1": "goroutines are lightweight threads multiplexed onto OS threads",
		"doc2": "python uses an interpreter lock for threading",
	})

	resp, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-happy",
		Question: "what are goroutines",
		K:        3,
	})
	require.NoError(t, err)

	assert.Equal(t, StateDone, resp.TerminalState)
	assert.Equal(t, evidence.ValidationSupported, resp.ValidationStatus)
	assert.NotEmpty(t, resp.AnswerText)
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "doc1", resp.Citations[0])
	assert.Equal(t, 0, resp.RewriteCount)
	assert.Equal(t, 1, resp.LoopIterations)
	assert.False(t, resp.Degraded)
}

func TestCoordinator_AnalysisVariantBroadensRetrieval(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "persistence",
		synthAnswer:    "Checkpoints capture lifecycle state before every transition [1].",
		supported:      true,
	}
	fx := newFixture(t, provider, 0, nil)
	indexDocs(t, fx.store, map[string]string{
		// 与原问题的停用词高度重合,但与关键词变体毫无交集
		"noise": "what is a thing and what is the point of a list",
		"ckpt":  "checkpoint lifecycle persistence details",
	})

	resp, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-variant",
		Question: "what is the lifecycle of a checkpoint",
		K:        1,
	})
	require.NoError(t, err)

	// K=1 时主检索只命中噪声文档,关键词变体通道补回目标文档
	assert.Equal(t, StateDone, resp.TerminalState)
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "ckpt", resp.Citations[0])
	assert.Equal(t, 0, resp.RewriteCount)
	assert.Equal(t, 1, resp.LoopIterations)
}

func TestCoordinator_EmptyCorpusFallsBackToTool(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "reciprocal",
		synthAnswer:    "RRF merges rankings by summing reciprocal ranks [1].",
		supported:      true,
	}
	ref := tools.NewReferenceTool(map[string]string{
		"rrf": "reciprocal rank fusion merges multiple rankings",
	})
	fx := newFixture(t, provider, 0, []tools.Tool{ref})

	resp, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-fallback",
		Question: "how does rrf work",
		K:        3,
	})
	require.NoError(t, err)

	assert.Equal(t, StateDone, resp.TerminalState)
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "reference:rrf", resp.Citations[0])
}

func TestCoordinator_RewriteImprovesRetrieval(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "kubernetes",
		rewriteText:    "kubernetes pods scheduling",
		synthAnswer:    "Pods are scheduled onto nodes by the kubernetes scheduler [1].",
		supported:      true,
	}
	fx := newFixture(t, provider, 2, nil)
	indexDocs(t, fx.store, map[string]string{
		"decoy": "docker pods deployment guide",
		"kube":  "kubernetes pods scheduling internals",
	})

	resp, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-rewrite",
		Question: "docker pods",
		K:        1,
	})
	require.NoError(t, err)

	assert.Equal(t, StateDone, resp.TerminalState)
	assert.Equal(t, 1, resp.RewriteCount)
	assert.Equal(t, 2, resp.LoopIterations)
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "kube", resp.Citations[0])
}

func TestCoordinator_AllToolsFailTerminatesFailed(t *testing.T) {
	provider := &fakeLLM{relevantMarker: "nothing-matches"}
	broken := &failingTool{name: "broken"}
	fx := newFixture(t, provider, 0, []tools.Tool{broken})

	resp, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-exhausted",
		Question: "unanswerable question",
		K:        3,
	})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, resp.TerminalState)
	assert.Equal(t, ReasonToolFallbackExhausted, resp.FailureReason)
	assert.Empty(t, resp.AnswerText)
}

type failingTool struct{ name string }

func (f *failingTool) Name() string { return f.name }
func (f *failingTool) Search(ctx context.Context, q string) ([]tools.Result, error) {
	return nil, errors.New("backend unreachable")
}

func TestCoordinator_UnsupportedAnswerRetriesOnceThenFails(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "goroutines",
		synthAnswer:    "An answer with unverifiable claims [1].",
		supported:      false,
	}
	fx := newFixture(t, provider, 2, nil)
	indexDocs(t, fx.store, map[string]string{
		"doc1": "goroutines are lightweight threads",
	})

	resp, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-unsupported",
		Question: "what are goroutines",
		K:        3,
	})
	require.NoError(t, err)

	assert.Equal(t, StateFailed, resp.TerminalState)
	assert.Equal(t, ReasonUnsupportedAnswer, resp.FailureReason)
	// 未经证实的答案仍返回并带标记
	assert.NotEmpty(t, resp.AnswerText)
	assert.Equal(t, evidence.ValidationUnsupported, resp.ValidationStatus)

	// 重合成路径应在检查点轨迹中可见
	list, err := fx.checkpoints.List(context.Background(), "thread-unsupported", 0)
	require.NoError(t, err)
	states := make([]State, 0, len(list))
	for _, cp := range list {
		states = append(states, cp.State)
	}
	assert.Contains(t, states, StateRetrySynthesize)
}

func TestCoordinator_DegradedModeSurfacesInResponse(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "goroutines",
		synthAnswer:    "Goroutines are lightweight [1].",
		supported:      true,
	}
	fx := newFixture(t, provider, 2, nil)
	indexDocs(t, fx.store, map[string]string{
		"doc1": "goroutines are lightweight threads",
	})

	// 稀疏检索故障下进入降级模式
	retrieverCfg := retrieval.DefaultRetrieverConfig()
	retrieverCfg.FetchK = 10
	degradedRetriever := retrieval.NewHybridRetriever(
		&sparseFailingStore{inner: fx.store},
		embedding.NewHashProvider(64), retrieverCfg, zap.NewNop())

	client := llm.NewClient(provider, llm.DefaultClientConfig(), zap.NewNop())
	coordinator := NewCoordinator(CoordinatorDeps{
		Retriever:   degradedRetriever,
		Grader:      grading.NewGrader(client, grading.DefaultGraderConfig(), zap.NewNop()),
		Rewriter:    query.NewRewriter(client, query.DefaultRewriterConfig(), zap.NewNop()),
		Synthesizer: synthesis.NewSynthesizer(client, synthesis.DefaultSynthesizerConfig(), zap.NewNop()),
		Validator:   synthesis.NewValidator(client, zap.NewNop()),
	}, DefaultCoordinatorConfig(), zap.NewNop())

	resp, err := coordinator.Run(context.Background(), Request{
		ThreadID: "thread-degraded",
		Question: "what are goroutines",
		K:        3,
	})
	require.NoError(t, err)
	assert.Equal(t, StateDone, resp.TerminalState)
	assert.True(t, resp.Degraded)
}

// sparseFailingStore 稀疏检索失败,稠密检索透传
type sparseFailingStore struct {
	inner *retrieval.InMemoryVectorStore
}

func (s *sparseFailingStore) AddDocuments(ctx context.Context, docs []retrieval.Document) error {
	return s.inner.AddDocuments(ctx, docs)
}

func (s *sparseFailingStore) DenseSearch(ctx context.Context, emb []float64, topK int) ([]retrieval.SearchResult, error) {
	return s.inner.DenseSearch(ctx, emb, topK)
}

func (s *sparseFailingStore) SparseSearch(ctx context.Context, q string, topK int) ([]retrieval.SearchResult, error) {
	return nil, errors.New("bm25 index corrupt")
}

func (s *sparseFailingStore) Count(ctx context.Context) (int, error) {
	return s.inner.Count(ctx)
}

func TestCoordinator_CheckpointTrail(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "goroutines",
		synthAnswer:    "Goroutines are lightweight [1].",
		supported:      true,
	}
	fx := newFixture(t, provider, 2, nil)
	indexDocs(t, fx.store, map[string]string{
		"doc1": "goroutines are lightweight threads",
	})

	_, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-trail",
		Question: "what are goroutines",
		K:        3,
	})
	require.NoError(t, err)

	latest, err := fx.checkpoints.LoadLatest(context.Background(), "thread-trail")
	require.NoError(t, err)
	assert.Equal(t, StateDone, latest.State)
	assert.Equal(t, 1, latest.LoopIteration)

	list, err := fx.checkpoints.List(context.Background(), "thread-trail", 0)
	require.NoError(t, err)
	require.NotEmpty(t, list)

	// 首个检查点在进入检索前写入,父链从空开始
	first := list[len(list)-1]
	assert.Equal(t, StateRetrieve, first.State)
	assert.Empty(t, first.ParentID)

	// 父链连续
	for i := 0; i < len(list)-1; i++ {
		assert.Equal(t, list[i+1].ID, list[i].ParentID)
	}

	// 检查点是写入时刻的快照: 检索前的证据集为空,
	// 评分前的证据仍未评分,后续状态不得回写历史.
	assert.Equal(t, 0, first.Evidence.Len())
	for _, cp := range list {
		if cp.State == StateGrade {
			require.Equal(t, 1, cp.Evidence.Len())
			assert.Equal(t, 0, cp.Evidence.RelevantCount())
		}
		if cp.State == StateDone {
			assert.Equal(t, 1, cp.Evidence.RelevantCount())
		}
	}
}

func TestCoordinator_ResumeFromTerminalCheckpoint(t *testing.T) {
	provider := &fakeLLM{
		relevantMarker: "goroutines",
		synthAnswer:    "Goroutines are lightweight [1].",
		supported:      true,
	}
	fx := newFixture(t, provider, 2, nil)
	indexDocs(t, fx.store, map[string]string{
		"doc1": "goroutines are lightweight threads",
	})

	first, err := fx.coordinator.Run(context.Background(), Request{
		ThreadID: "thread-resume",
		Question: "what are goroutines",
		K:        3,
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, first.TerminalState)

	resumed, err := fx.coordinator.Resume(context.Background(), "thread-resume")
	require.NoError(t, err)
	assert.Equal(t, StateDone, resumed.TerminalState)
	assert.Equal(t, first.AnswerText, resumed.AnswerText)
}

func TestCoordinator_CancelledContext(t *testing.T) {
	provider := &fakeLLM{}
	fx := newFixture(t, provider, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.coordinator.Run(ctx, Request{
		ThreadID: "thread-cancel",
		Question: "anything",
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoordinator_RejectsEmptyRequest(t *testing.T) {
	fx := newFixture(t, &fakeLLM{}, 2, nil)

	_, err := fx.coordinator.Run(context.Background(), Request{ThreadID: "t"})
	assert.Error(t, err)

	_, err = fx.coordinator.Run(context.Background(), Request{Question: "q"})
	assert.Error(t, err)
}

func TestSufficiencyThreshold(t *testing.T) {
	c := NewCoordinator(CoordinatorDeps{}, DefaultCoordinatorConfig(), zap.NewNop())

	assert.False(t, c.sufficient(0, 3), "zero relevant is never sufficient")
	assert.True(t, c.sufficient(1, 3), "small k accepts a single relevant item")
	assert.False(t, c.sufficient(1, 15), "large k requires more relevant items")
	assert.True(t, c.sufficient(2, 15))
}
