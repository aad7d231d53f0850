package tools

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// ReferenceTool 本地参考资料查找工具.
// 在预置的术语表/参考条目上做词法匹配,作为无网络环境下的
// 最后一级回退,也便于离线测试整条回退链路.
type ReferenceTool struct {
	entries map[string]string // term -> reference text
	mu      sync.RWMutex
}

// NewReferenceTool 创建参考工具
func NewReferenceTool(entries map[string]string) *ReferenceTool {
	if entries == nil {
		entries = make(map[string]string)
	}
	return &ReferenceTool{entries: entries}
}

func (t *ReferenceTool) Name() string { return "reference" }

// AddEntry 注册参考条目
func (t *ReferenceTool) AddEntry(term, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[strings.ToLower(term)] = text
}

// Search 返回查询词命中的参考条目
func (t *ReferenceTool) Search(ctx context.Context, query string) ([]Result, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := make([]string, 0, len(t.entries))
	for term := range t.entries {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	queryLower := strings.ToLower(query)
	var results []Result
	for _, term := range terms {
		if strings.Contains(queryLower, term) {
			results = append(results, Result{Content: t.entries[term], Locator: "reference:" + term})
		}
	}
	return results, nil
}
