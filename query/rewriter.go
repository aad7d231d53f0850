package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/llm"
)

// ErrRewriteBudgetExhausted 重写预算耗尽
// 控制信号而非用户可见错误: 协调器据此改走工具回退.
var ErrRewriteBudgetExhausted = errors.New("rewrite budget exhausted")

// RewriterConfig 重写器配置
type RewriterConfig struct {
	// MaxRewrites 每次请求的重写次数上限,防止无限循环的主闸.
	MaxRewrites int `json:"max_rewrites" yaml:"max_rewrites"`

	// 缓存
	EnableCache bool          `json:"enable_cache" yaml:"enable_cache"`
	CacheTTL    time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultRewriterConfig 返回默认配置
func DefaultRewriterConfig() RewriterConfig {
	return RewriterConfig{
		MaxRewrites: 2,
		EnableCache: true,
		CacheTTL:    30 * time.Minute,
	}
}

// Rewriter 查询重写器
// 在相关证据不足时改写 current_text 以扩大或重聚焦检索;
// original_text 永不变更. 预算约束在此强制执行,不依赖调用方.
type Rewriter struct {
	client *llm.Client
	config RewriterConfig
	cache  *rewriteCache
	logger *zap.Logger
}

// NewRewriter 创建重写器
func NewRewriter(client *llm.Client, config RewriterConfig, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRewrites < 0 {
		config.MaxRewrites = DefaultRewriterConfig().MaxRewrites
	}
	var cache *rewriteCache
	if config.EnableCache {
		ttl := config.CacheTTL
		if ttl <= 0 {
			ttl = DefaultRewriterConfig().CacheTTL
		}
		cache = newRewriteCache(ttl)
	}
	return &Rewriter{
		client: client,
		config: config,
		cache:  cache,
		logger: logger.With(zap.String("component", "query_rewriter")),
	}
}

// rewriteVars 重写模板变量
type rewriteVars struct {
	Original      string
	Current       string
	RelevantCount int
	TotalCount    int
}

// Rewrite 产生一次查询重写并递增计数.
// 预算耗尽时返回 ErrRewriteBudgetExhausted 且不修改查询.
func (r *Rewriter) Rewrite(ctx context.Context, q evidence.Query, items *evidence.Set) (evidence.Query, error) {
	if q.RewriteCount >= r.maxRewrites(q) {
		return q, fmt.Errorf("%w: %d rewrites used", ErrRewriteBudgetExhausted, q.RewriteCount)
	}

	if r.cache != nil {
		if cached, ok := r.cache.get(q.CurrentText); ok {
			r.logger.Debug("rewrite cache hit", zap.String("query", q.CurrentText))
			return q.WithRewrite(cached), nil
		}
	}

	text, err := r.client.Complete(ctx, llm.TemplateRewriteQuery, rewriteVars{
		Original:      q.OriginalText,
		Current:       q.CurrentText,
		RelevantCount: items.RelevantCount(),
		TotalCount:    items.Len(),
	})
	if err != nil {
		return q, fmt.Errorf("rewrite query: %w", err)
	}

	rewritten := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
	if rewritten == "" {
		return q, fmt.Errorf("rewrite produced empty query")
	}

	if r.cache != nil {
		r.cache.set(q.CurrentText, rewritten)
	}

	r.logger.Info("query rewritten",
		zap.String("from", q.CurrentText),
		zap.String("to", rewritten),
		zap.Int("rewrite_count", q.RewriteCount+1))

	return q.WithRewrite(rewritten), nil
}

// BudgetRemaining 剩余重写次数
func (r *Rewriter) BudgetRemaining(q evidence.Query) int {
	remaining := r.maxRewrites(q) - q.RewriteCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// maxRewrites 查询级预算覆盖优先于配置值.
func (r *Rewriter) maxRewrites(q evidence.Query) int {
	if q.MaxRewrites != nil && *q.MaxRewrites >= 0 {
		return *q.MaxRewrites
	}
	return r.config.MaxRewrites
}

// ====== 重写缓存 ======

type rewriteCache struct {
	entries map[string]*rewriteCacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
}

type rewriteCacheEntry struct {
	rewritten string
	expiresAt time.Time
}

func newRewriteCache(ttl time.Duration) *rewriteCache {
	return &rewriteCache{
		entries: make(map[string]*rewriteCacheEntry),
		ttl:     ttl,
	}
}

func (c *rewriteCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[strings.ToLower(strings.TrimSpace(key))]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.rewritten, true
}

func (c *rewriteCache) set(key, rewritten string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[strings.ToLower(strings.TrimSpace(key))] = &rewriteCacheEntry{
		rewritten: rewritten,
		expiresAt: time.Now().Add(c.ttl),
	}
}
