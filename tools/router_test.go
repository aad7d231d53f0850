package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
)

type stubTool struct {
	name    string
	results []Result
	err     error
	delay   time.Duration
}

func (t *stubTool) Name() string { return t.name }

func (t *stubTool) Search(ctx context.Context, query string) ([]Result, error) {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.results, nil
}

func newTestRouter(tools ...Tool) *Router {
	cfg := DefaultRouterConfig()
	cfg.ToolTimeout = 100 * time.Millisecond
	cfg.RateLimit = 0 // 测试不限流
	return NewRouter(tools, cfg, zap.NewNop())
}

func TestRouter_WrapsResultsWithToolOrigin(t *testing.T) {
	router := newTestRouter(&stubTool{
		name:    "web_search",
		results: []Result{{Content: "found on the web", Locator: "https://example.com/a"}},
	})

	set, err := router.Fallback(context.Background(), evidence.NewQuery("t", "q"))
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	item := set.Items()[0]
	assert.Equal(t, "tool:web_search", item.Source.Origin)
	assert.Equal(t, "https://example.com/a", item.Source.Locator)
	assert.Equal(t, evidence.RelevanceUngraded, item.Relevance)
}

func TestRouter_FailingToolSkipped(t *testing.T) {
	router := newTestRouter(
		&stubTool{name: "broken", err: errors.New("api key expired")},
		&stubTool{name: "working", results: []Result{{Content: "ok", Locator: "ref:1"}}},
	)

	set, err := router.Fallback(context.Background(), evidence.NewQuery("t", "q"))
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, "tool:working", set.Items()[0].Source.Origin)
}

func TestRouter_AllToolsFailAggregatesErrors(t *testing.T) {
	router := newTestRouter(
		&stubTool{name: "one", err: errors.New("timeout")},
		&stubTool{name: "two", err: errors.New("rate limited")},
	)

	_, err := router.Fallback(context.Background(), evidence.NewQuery("t", "q"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFallbackExhausted)
	assert.True(t, strings.Contains(err.Error(), "timeout"))
	assert.True(t, strings.Contains(err.Error(), "rate limited"))
}

func TestRouter_SlowToolTimesOut(t *testing.T) {
	router := newTestRouter(
		&stubTool{name: "slow", delay: time.Second, results: []Result{{Content: "late", Locator: "x"}}},
		&stubTool{name: "fast", results: []Result{{Content: "fast result", Locator: "y"}}},
	)

	start := time.Now()
	set, err := router.Fallback(context.Background(), evidence.NewQuery("t", "q"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, "tool:fast", set.Items()[0].Source.Origin)
}

func TestRouter_PriorityOrderPreservedInMerge(t *testing.T) {
	router := newTestRouter(
		&stubTool{name: "primary", results: []Result{{Content: "from primary", Locator: "p"}}},
		&stubTool{name: "secondary", results: []Result{{Content: "from secondary", Locator: "s"}}},
	)

	set, err := router.Fallback(context.Background(), evidence.NewQuery("t", "q"))
	require.NoError(t, err)

	items := set.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "tool:primary", items[0].Source.Origin)
	assert.Equal(t, "tool:secondary", items[1].Source.Origin)
}

type countingTool struct {
	stubTool
	calls int
}

func (t *countingTool) Search(ctx context.Context, query string) ([]Result, error) {
	t.calls++
	return t.stubTool.Search(ctx, query)
}

func TestRouter_CachesResultsPerQuery(t *testing.T) {
	tool := &countingTool{stubTool: stubTool{
		name:    "web_search",
		results: []Result{{Content: "cached content", Locator: "https://example.com/c"}},
	}}
	router := newTestRouter(tool)

	q := evidence.NewQuery("t", "what is rrf")
	first, err := router.Fallback(context.Background(), q)
	require.NoError(t, err)
	second, err := router.Fallback(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, 1, tool.calls)
	assert.Equal(t, first.Len(), second.Len())
	assert.Equal(t, "https://example.com/c", second.Items()[0].Source.Locator)
}

func TestRouter_CacheDisabledCallsToolEachTime(t *testing.T) {
	tool := &countingTool{stubTool: stubTool{
		name:    "web_search",
		results: []Result{{Content: "fresh", Locator: "x"}},
	}}
	cfg := DefaultRouterConfig()
	cfg.RateLimit = 0
	cfg.EnableCache = false
	router := NewRouter([]Tool{tool}, cfg, zap.NewNop())

	q := evidence.NewQuery("t", "what is rrf")
	_, err := router.Fallback(context.Background(), q)
	require.NoError(t, err)
	_, err = router.Fallback(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, 2, tool.calls)
}

func TestRouter_NoToolsConfigured(t *testing.T) {
	router := newTestRouter()
	_, err := router.Fallback(context.Background(), evidence.NewQuery("t", "q"))
	assert.ErrorIs(t, err, ErrNoToolsConfigured)
}

func TestReferenceTool_MatchesTerms(t *testing.T) {
	tool := NewReferenceTool(map[string]string{
		"rrf": "Reciprocal rank fusion merges multiple rankings by summing reciprocal ranks.",
	})
	tool.AddEntry("mmr", "Maximum marginal relevance balances relevance and diversity.")

	results, err := tool.Search(context.Background(), "explain RRF and MMR")
	require.NoError(t, err)
	require.Len(t, results, 2)
	// 结果按术语排序,保证确定性
	assert.Equal(t, "reference:mmr", results[0].Locator)
	assert.Equal(t, "reference:rrf", results[1].Locator)
}
