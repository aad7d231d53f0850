package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/grading"
	"github.com/BaSui01/corag/internal/metrics"
	"github.com/BaSui01/corag/query"
	"github.com/BaSui01/corag/retrieval"
	"github.com/BaSui01/corag/synthesis"
	"github.com/BaSui01/corag/tools"
)

// ErrTooManyTransitions 状态转换次数超出安全上限
var ErrTooManyTransitions = errors.New("pipeline exceeded transition limit")

// CoordinatorConfig 协调器配置
type CoordinatorConfig struct {
	// K 每轮检索的目标证据条数
	K int `json:"k" yaml:"k"`

	// 证据充分性判定: 相关条数为 0 一律不足;
	// K >= SufficiencyK 时相关条数还需达到 MinRelevant.
	MinRelevant  int `json:"min_relevant" yaml:"min_relevant"`
	SufficiencyK int `json:"sufficiency_k" yaml:"sufficiency_k"`

	// MaxTransitions 单次运行的状态转换上限,防止异常循环.
	MaxTransitions int `json:"max_transitions" yaml:"max_transitions"`
}

// DefaultCoordinatorConfig 返回默认配置
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		K:              15,
		MinRelevant:    2,
		SufficiencyK:   10,
		MaxTransitions: 50,
	}
}

// Request 管线执行请求
type Request struct {
	ThreadID string `json:"thread_id"`
	Question string `json:"question"`

	// K 覆盖配置的检索条数,0 表示使用配置值.
	K int `json:"k,omitempty"`

	// MaxRewrites 覆盖重写器的预算,nil 表示使用配置值.
	MaxRewrites *int `json:"max_rewrites,omitempty"`
}

// Response 管线执行结果
// TerminalState 为 done 时答案字段有效; failed 时 FailureReason 说明原因.
// 例外: unsupported_answer 失败仍携带答案文本,ValidationStatus 标记为 unsupported.
type Response struct {
	ThreadID          string                    `json:"thread_id"`
	AnswerText        string                    `json:"answer_text,omitempty"`
	Citations         []string                  `json:"citations,omitempty"` // 来源定位符
	ValidationStatus  evidence.ValidationStatus `json:"validation_status"`
	EvidenceUsedCount int                       `json:"evidence_used_count"`
	RewriteCount      int                       `json:"rewrite_count"`
	Degraded          bool                      `json:"degraded"`
	TerminalState     State                     `json:"terminal_state"`
	FailureReason     FailureReason             `json:"failure_reason,omitempty"`
	LoopIterations    int                       `json:"loop_iterations"`
}

// Coordinator 管线状态机协调器
// 驱动 分析→检索→评估→{重写|回退|合成}→校验 的完整闭环,
// 每次状态转换前持久化检查点.
type Coordinator struct {
	retriever   *retrieval.HybridRetriever
	grader      *grading.Grader
	rewriter    *query.Rewriter
	router      *tools.Router
	synthesizer *synthesis.Synthesizer
	validator   *synthesis.Validator
	checkpoints CheckpointStore
	collector   *metrics.Collector
	tracer      trace.Tracer
	config      CoordinatorConfig
	logger      *zap.Logger
}

// CoordinatorDeps 协调器依赖
type CoordinatorDeps struct {
	Retriever   *retrieval.HybridRetriever
	Grader      *grading.Grader
	Rewriter    *query.Rewriter
	Router      *tools.Router // 可为 nil,表示未配置回退工具
	Synthesizer *synthesis.Synthesizer
	Validator   *synthesis.Validator
	Checkpoints CheckpointStore
	Collector   *metrics.Collector // 可为 nil
}

// NewCoordinator 创建协调器
func NewCoordinator(deps CoordinatorDeps, config CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultCoordinatorConfig()
	if config.K <= 0 {
		config.K = defaults.K
	}
	if config.MinRelevant <= 0 {
		config.MinRelevant = defaults.MinRelevant
	}
	if config.SufficiencyK <= 0 {
		config.SufficiencyK = defaults.SufficiencyK
	}
	if config.MaxTransitions <= 0 {
		config.MaxTransitions = defaults.MaxTransitions
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewMemoryCheckpointStore()
	}

	return &Coordinator{
		retriever:   deps.Retriever,
		grader:      deps.Grader,
		rewriter:    deps.Rewriter,
		router:      deps.Router,
		synthesizer: deps.Synthesizer,
		validator:   deps.Validator,
		checkpoints: deps.Checkpoints,
		collector:   deps.Collector,
		tracer:      otel.Tracer("corag/pipeline"),
		config:      config,
		logger:      logger.With(zap.String("component", "pipeline_coordinator")),
	}
}

// run 单次运行的工作状态
type run struct {
	query            evidence.Query
	analysis         query.Analysis
	set              *evidence.Set
	draft            evidence.AnswerDraft
	k                int
	degraded         bool
	loopIteration    int
	fallbackDone     bool
	retriedSynthesis bool
	failureReason    FailureReason
	lastCheckpointID string
}

// Run 执行完整管线直至终止状态.
// 组件失败按失败原因归入 failed 终止,返回错误仅限基础设施问题
// (检查点写入失败、上下文取消、转换超限).
func (c *Coordinator) Run(ctx context.Context, req Request) (*Response, error) {
	if req.Question == "" {
		return nil, errors.New("question must not be empty")
	}
	if req.ThreadID == "" {
		return nil, errors.New("thread id must not be empty")
	}

	ctx, span := c.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("thread_id", req.ThreadID),
		))
	defer span.End()

	k := req.K
	if k <= 0 {
		k = c.config.K
	}
	q := evidence.NewQuery(req.ThreadID, req.Question)
	q.MaxRewrites = req.MaxRewrites

	r := &run{
		query: q,
		set:   evidence.NewSet(),
		k:     k,
	}

	c.logger.Info("pipeline run started",
		zap.String("thread_id", req.ThreadID),
		zap.Int("k", k))

	resp, err := c.runFrom(ctx, r, StateAnalyze, "")
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("terminal_state", string(resp.TerminalState)),
		attribute.String("failure_reason", string(resp.FailureReason)),
	)
	return resp, nil
}

// Resume 从线程最新检查点恢复运行.
// 终止状态的检查点直接还原为响应,不再执行.
func (c *Coordinator) Resume(ctx context.Context, threadID string) (*Response, error) {
	cp, err := c.checkpoints.LoadLatest(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("resume thread %s: %w", threadID, err)
	}

	r := &run{
		query:         cp.Query,
		set:           cp.Evidence,
		draft:         cp.Draft,
		k:             c.config.K,
		degraded:      cp.Degraded,
		loopIteration: cp.LoopIteration,
		failureReason: cp.FailureReason,
	}
	if r.set == nil {
		r.set = evidence.NewSet()
	}

	state := cp.State
	c.logger.Info("resuming pipeline from checkpoint",
		zap.String("thread_id", threadID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("state", string(state)))

	if state.IsTerminal() {
		return c.buildResponse(r, state), nil
	}
	return c.runFrom(ctx, r, state, cp.ID)
}

// runFrom 驱动状态机直至终止状态,Run 与 Resume 共用.
func (c *Coordinator) runFrom(ctx context.Context, r *run, state State, parentID string) (*Response, error) {
	r.lastCheckpointID = parentID
	start := time.Now()
	span := trace.SpanFromContext(ctx)

	for transitions := 0; !state.IsTerminal(); transitions++ {
		if transitions >= c.config.MaxTransitions {
			return nil, fmt.Errorf("%w: %d", ErrTooManyTransitions, transitions)
		}
		if err := ctx.Err(); err != nil {
			r.failureReason = ReasonCancelled
			// 取消也留痕,便于事后从最近检查点恢复
			_ = c.saveCheckpoint(context.WithoutCancel(ctx), r, StateFailed)
			return nil, err
		}

		stepStart := time.Now()
		next, err := c.step(ctx, state, r)
		if err != nil {
			return nil, err
		}
		c.collector.ObserveStateDuration(string(state), time.Since(stepStart))

		if !CanTransition(state, next) {
			return nil, ErrInvalidTransition{From: state, To: next}
		}
		if err := c.saveCheckpoint(ctx, r, next); err != nil {
			return nil, err
		}
		c.collector.ObserveTransition(string(state), string(next))
		span.AddEvent("transition", trace.WithAttributes(
			attribute.String("from", string(state)),
			attribute.String("to", string(next)),
		))

		c.logger.Debug("state transition",
			zap.String("thread_id", r.query.ThreadID),
			zap.String("from", string(state)),
			zap.String("to", string(next)),
			zap.Int("loop_iteration", r.loopIteration))
		state = next
	}

	resp := c.buildResponse(r, state)
	c.collector.ObserveRun(string(state), string(r.failureReason), time.Since(start), resp.EvidenceUsedCount)

	c.logger.Info("pipeline run finished",
		zap.String("thread_id", r.query.ThreadID),
		zap.String("terminal_state", string(state)),
		zap.String("failure_reason", string(r.failureReason)),
		zap.Int("rewrites", r.query.RewriteCount),
		zap.Int("evidence_used", resp.EvidenceUsedCount),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

// step 执行当前状态并决定下一个状态
func (c *Coordinator) step(ctx context.Context, state State, r *run) (State, error) {
	switch state {
	case StateAnalyze:
		return c.stepAnalyze(r), nil
	case StateRetrieve:
		return c.stepRetrieve(ctx, r)
	case StateGrade:
		return c.stepGrade(ctx, r)
	case StateRewrite:
		return c.stepRewrite(ctx, r)
	case StateFallback:
		return c.stepFallback(ctx, r)
	case StateSynthesize:
		return c.stepSynthesize(ctx, r, false)
	case StateRetrySynthesize:
		return c.stepSynthesize(ctx, r, true)
	case StateValidate:
		return c.stepValidate(ctx, r)
	default:
		return StateFailed, fmt.Errorf("no handler for state %s", state)
	}
}

func (c *Coordinator) stepAnalyze(r *run) State {
	r.analysis = query.Analyze(r.query.CurrentText)
	c.logger.Debug("question analyzed",
		zap.String("thread_id", r.query.ThreadID),
		zap.String("intent", string(r.analysis.Intent)),
		zap.Strings("keywords", r.analysis.Keywords))
	return StateRetrieve
}

func (c *Coordinator) stepRetrieve(ctx context.Context, r *run) (State, error) {
	r.loopIteration++

	result, err := c.retriever.Retrieve(ctx, r.query, r.k)
	switch {
	case errors.Is(err, retrieval.ErrStoreUnavailable):
		// 向量库整体不可用: 有回退工具则直接回退,否则终止
		c.logger.Warn("vector store unavailable",
			zap.String("thread_id", r.query.ThreadID),
			zap.Error(err))
		if c.router != nil {
			return StateFallback, nil
		}
		r.failureReason = ReasonRetrievalUnavailable
		return StateFailed, nil
	case errors.Is(err, retrieval.ErrEmbeddingFailure):
		r.failureReason = ReasonEmbeddingFailure
		return StateFailed, nil
	case err != nil:
		r.failureReason = ReasonInternal
		c.logger.Error("retrieval failed",
			zap.String("thread_id", r.query.ThreadID),
			zap.Error(err))
		return StateFailed, nil
	}

	// 新一轮检索结果并入工作集,按内容去重
	merged := r.set.Merge(result.Evidence)
	if result.Degraded {
		r.degraded = true
	}

	// 分析阶段产出的关键词变体作为补充检索通道,
	// 变体失败只降级不中断主检索.
	for _, variant := range r.analysis.Variants {
		if variant == r.query.CurrentText {
			continue
		}
		vq := r.query
		vq.CurrentText = variant
		vres, verr := c.retriever.Retrieve(ctx, vq, r.k)
		if verr != nil {
			c.logger.Warn("variant retrieval failed",
				zap.String("thread_id", r.query.ThreadID),
				zap.String("variant", variant),
				zap.Error(verr))
			continue
		}
		merged += r.set.Merge(vres.Evidence)
		if vres.Degraded {
			r.degraded = true
		}
	}
	c.logger.Info("retrieval completed",
		zap.String("thread_id", r.query.ThreadID),
		zap.Int("loop_iteration", r.loopIteration),
		zap.Int("new_evidence", merged),
		zap.Int("working_set", r.set.Len()),
		zap.Bool("degraded", result.Degraded))
	return StateGrade, nil
}

func (c *Coordinator) stepGrade(ctx context.Context, r *run) (State, error) {
	graded, err := c.grader.Grade(ctx, r.query, r.set)
	if err != nil {
		r.failureReason = ReasonInternal
		c.logger.Error("grading failed",
			zap.String("thread_id", r.query.ThreadID),
			zap.Error(err))
		return StateFailed, nil
	}
	r.set = graded

	relevant := r.set.RelevantCount()
	if c.sufficient(relevant, r.k) {
		return StateSynthesize, nil
	}

	// 回退证据已并入仍不充分: 有任何相关证据就带着它合成,否则终止
	if r.fallbackDone {
		if relevant > 0 {
			c.logger.Warn("evidence below threshold after fallback, synthesizing anyway",
				zap.String("thread_id", r.query.ThreadID),
				zap.Int("relevant", relevant))
			return StateSynthesize, nil
		}
		r.failureReason = ReasonInsufficientEvidence
		return StateFailed, nil
	}

	if c.rewriter.BudgetRemaining(r.query) > 0 {
		return StateRewrite, nil
	}
	return StateFallback, nil
}

func (c *Coordinator) stepRewrite(ctx context.Context, r *run) (State, error) {
	rewritten, err := c.rewriter.Rewrite(ctx, r.query, r.set)
	switch {
	case errors.Is(err, query.ErrRewriteBudgetExhausted):
		return StateFallback, nil
	case err != nil:
		// 重写失败不终止运行,视同预算耗尽走回退
		c.logger.Warn("query rewrite failed, falling back to tools",
			zap.String("thread_id", r.query.ThreadID),
			zap.Error(err))
		return StateFallback, nil
	}

	c.logger.Info("query rewritten",
		zap.String("thread_id", r.query.ThreadID),
		zap.Int("rewrite_count", rewritten.RewriteCount),
		zap.String("current_text", rewritten.CurrentText))
	r.query = rewritten
	return StateRetrieve, nil
}

func (c *Coordinator) stepFallback(ctx context.Context, r *run) (State, error) {
	if c.router == nil {
		if r.set.RelevantCount() > 0 {
			c.logger.Warn("no fallback tools configured, synthesizing from available evidence",
				zap.String("thread_id", r.query.ThreadID))
			r.fallbackDone = true
			return StateGrade, nil
		}
		r.failureReason = ReasonInsufficientEvidence
		return StateFailed, nil
	}

	toolSet, err := c.router.Fallback(ctx, r.query)
	switch {
	case errors.Is(err, tools.ErrNoToolsConfigured):
		if r.set.RelevantCount() > 0 {
			r.fallbackDone = true
			return StateGrade, nil
		}
		r.failureReason = ReasonInsufficientEvidence
		return StateFailed, nil
	case errors.Is(err, tools.ErrFallbackExhausted):
		if r.set.RelevantCount() > 0 {
			c.logger.Warn("all fallback tools failed, synthesizing from available evidence",
				zap.String("thread_id", r.query.ThreadID),
				zap.Error(err))
			r.fallbackDone = true
			return StateGrade, nil
		}
		r.failureReason = ReasonToolFallbackExhausted
		return StateFailed, nil
	case err != nil:
		r.failureReason = ReasonInternal
		return StateFailed, nil
	}

	merged := r.set.Merge(toolSet)
	r.fallbackDone = true
	c.logger.Info("tool fallback evidence merged",
		zap.String("thread_id", r.query.ThreadID),
		zap.Int("new_evidence", merged))
	// 回退证据未经评估,重评后再决定是否合成
	return StateGrade, nil
}

func (c *Coordinator) stepSynthesize(ctx context.Context, r *run, strict bool) (State, error) {
	draft, err := c.synthesizer.Synthesize(ctx, r.query, r.set, strict)
	switch {
	case errors.Is(err, synthesis.ErrInsufficientEvidence):
		r.failureReason = ReasonInsufficientEvidence
		return StateFailed, nil
	case errors.Is(err, synthesis.ErrCitationContract):
		r.failureReason = ReasonSynthesisContract
		return StateFailed, nil
	case err != nil:
		r.failureReason = ReasonInternal
		c.logger.Error("synthesis failed",
			zap.String("thread_id", r.query.ThreadID),
			zap.Error(err))
		return StateFailed, nil
	}

	r.draft = draft
	return StateValidate, nil
}

func (c *Coordinator) stepValidate(ctx context.Context, r *run) (State, error) {
	validated, err := c.validator.Validate(ctx, r.draft, r.set)
	if err != nil {
		r.failureReason = ReasonInternal
		c.logger.Error("validation failed",
			zap.String("thread_id", r.query.ThreadID),
			zap.Error(err))
		return StateFailed, nil
	}
	r.draft = validated

	if validated.ValidationStatus == evidence.ValidationSupported {
		return StateDone, nil
	}

	// 一次严格重合成的机会,仍不支持则终止
	if !r.retriedSynthesis {
		r.retriedSynthesis = true
		c.logger.Warn("answer not supported by evidence, retrying synthesis",
			zap.String("thread_id", r.query.ThreadID))
		return StateRetrySynthesize, nil
	}
	r.failureReason = ReasonUnsupportedAnswer
	return StateFailed, nil
}

// sufficient 判定相关证据是否满足继续合成的门槛
func (c *Coordinator) sufficient(relevant, k int) bool {
	if relevant == 0 {
		return false
	}
	if k >= c.config.SufficiencyK && relevant < c.config.MinRelevant {
		return false
	}
	return true
}

// saveCheckpoint 在进入 next 状态前持久化当前工作状态
func (c *Coordinator) saveCheckpoint(ctx context.Context, r *run, next State) error {
	cp := &Checkpoint{
		ID:            newCheckpointID(),
		ThreadID:      r.query.ThreadID,
		State:         next,
		Query:         r.query,
		// 快照而非别名: 后续评分/合并不得改写已保存的检查点
		Evidence:      r.set.Clone(),
		Draft:         r.draft,
		LoopIteration: r.loopIteration,
		Degraded:      r.degraded,
		FailureReason: r.failureReason,
		CreatedAt:     time.Now(),
		ParentID:      r.lastCheckpointID,
	}
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint before %s: %w", next, err)
	}
	r.lastCheckpointID = cp.ID
	c.collector.ObserveCheckpoint(string(next))
	return nil
}

func (c *Coordinator) buildResponse(r *run, state State) *Response {
	resp := &Response{
		ThreadID:         r.query.ThreadID,
		ValidationStatus: r.draft.ValidationStatus,
		RewriteCount:     r.query.RewriteCount,
		Degraded:         r.degraded,
		TerminalState:    state,
		FailureReason:    r.failureReason,
		LoopIterations:   r.loopIteration,
	}
	if resp.ValidationStatus == "" {
		resp.ValidationStatus = evidence.ValidationUnvalidated
	}
	// 校验不通过的答案仍返回,带 unsupported 标记,由调用方决定是否采用
	if state == StateDone || r.failureReason == ReasonUnsupportedAnswer {
		resp.AnswerText = r.draft.Text
		resp.Citations = synthesis.CitationLocators(r.draft.Citations, r.set)
		resp.EvidenceUsedCount = len(r.draft.Citations)
	}
	return resp
}
