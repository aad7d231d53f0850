package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/corag/evidence"
)

// ErrFallbackExhausted 所有工具都失败
var ErrFallbackExhausted = errors.New("all fallback tools failed")

// ErrNoToolsConfigured 未配置任何工具
var ErrNoToolsConfigured = errors.New("no fallback tools configured")

// RouterConfig 回退路由配置
type RouterConfig struct {
	// ToolTimeout 单个工具调用超时
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout"`

	// 每工具限流
	RateLimit rate.Limit `json:"rate_limit" yaml:"rate_limit"` // 每秒调用数, 0 表示不限
	RateBurst int        `json:"rate_burst" yaml:"rate_burst"`

	// 结果缓存: 同一查询短期内重复回退时直接复用
	EnableCache bool          `json:"enable_cache" yaml:"enable_cache"`
	CacheTTL    time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultRouterConfig 返回默认配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ToolTimeout: 5 * time.Second,
		RateLimit:   2,
		RateBurst:   4,
		EnableCache: true,
		CacheTTL:    10 * time.Minute,
	}
}

// Router 工具回退路由器
// 按注册顺序(静态优先级)并发调用工具: 任一成功即有结果,
// 单个工具失败跳过并记录,全部失败时聚合错误返回.
type Router struct {
	tools    []Tool
	limiters map[string]*rate.Limiter
	cache    *resultCache
	config   RouterConfig
	logger   *zap.Logger
}

// NewRouter 创建回退路由器,tools 顺序即优先级.
func NewRouter(tools []Tool, config RouterConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = DefaultRouterConfig().ToolTimeout
	}

	limiters := make(map[string]*rate.Limiter, len(tools))
	for _, t := range tools {
		limit := config.RateLimit
		if limit <= 0 {
			limit = rate.Inf
		}
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiters[t.Name()] = rate.NewLimiter(limit, burst)
	}

	var cache *resultCache
	if config.EnableCache {
		ttl := config.CacheTTL
		if ttl <= 0 {
			ttl = DefaultRouterConfig().CacheTTL
		}
		cache = newResultCache(ttl)
	}

	return &Router{
		tools:    tools,
		limiters: limiters,
		cache:    cache,
		config:   config,
		logger:   logger.With(zap.String("component", "tool_fallback_router")),
	}
}

// Fallback 并发调用所有工具并合并成功结果.
// 返回的证据按工具优先级排序,全部失败返回 ErrFallbackExhausted.
func (r *Router) Fallback(ctx context.Context, q evidence.Query) (*evidence.Set, error) {
	if len(r.tools) == 0 {
		return nil, ErrNoToolsConfigured
	}

	if r.cache != nil {
		if cached, ok := r.cache.get(q.CurrentText); ok {
			r.logger.Debug("tool result cache hit", zap.String("query", q.CurrentText))
			set := evidence.NewSet()
			for _, item := range cached {
				set.Add(item)
			}
			return set, nil
		}
	}

	start := time.Now()
	type outcome struct {
		items []evidence.Item
		err   error
	}

	outcomes := make([]outcome, len(r.tools))
	var wg sync.WaitGroup

	for i, tool := range r.tools {
		wg.Add(1)
		go func(idx int, t Tool) {
			defer wg.Done()

			toolCtx, cancel := context.WithTimeout(ctx, r.config.ToolTimeout)
			defer cancel()

			if err := r.limiters[t.Name()].Wait(toolCtx); err != nil {
				outcomes[idx] = outcome{err: fmt.Errorf("tool %s: rate wait: %w", t.Name(), err)}
				return
			}

			results, err := t.Search(toolCtx, q.CurrentText)
			if err != nil {
				r.logger.Warn("fallback tool failed",
					zap.String("tool", t.Name()),
					zap.Error(err))
				outcomes[idx] = outcome{err: fmt.Errorf("tool %s: %w", t.Name(), err)}
				return
			}
			outcomes[idx] = outcome{items: WrapResults(t.Name(), results)}
		}(i, tool)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 按优先级顺序合并成功结果
	set := evidence.NewSet()
	var failures []error
	succeeded := 0
	for i, out := range outcomes {
		if out.err != nil {
			failures = append(failures, out.err)
			continue
		}
		succeeded++
		for _, item := range out.items {
			set.Add(item)
		}
		r.logger.Debug("fallback tool succeeded",
			zap.String("tool", r.tools[i].Name()),
			zap.Int("results", len(out.items)))
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %w", ErrFallbackExhausted, errors.Join(failures...))
	}

	if r.cache != nil {
		r.cache.set(q.CurrentText, set.Items())
	}

	r.logger.Info("tool fallback completed",
		zap.Int("tools_succeeded", succeeded),
		zap.Int("tools_failed", len(failures)),
		zap.Int("evidence", set.Len()),
		zap.Duration("duration", time.Since(start)))

	return set, nil
}

// ====== 结果缓存 ======

type resultCache struct {
	entries map[string]*resultCacheEntry
	ttl     time.Duration
	mu      sync.RWMutex
}

type resultCacheEntry struct {
	items     []evidence.Item
	expiresAt time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		entries: make(map[string]*resultCacheEntry),
		ttl:     ttl,
	}
}

func (c *resultCache) get(key string) ([]evidence.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey(key)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.items, true
}

func (c *resultCache) set(key string, items []evidence.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(key)] = &resultCacheEntry{
		items:     items,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
