// Package tools 实现外部工具回退.
// 当内部检索+评分+重写耗尽仍无足够相关证据时,按静态优先级
// 并发调用外部搜索/参考工具,结果包装为未评分证据重新进入评分.
package tools

import (
	"context"
	"fmt"

	"github.com/BaSui01/corag/evidence"
)

// Tool 外部工具接口
type Tool interface {
	// Name 返回工具名称,用于证据来源标注 "tool:<name>".
	Name() string

	// Search 对查询文本执行一次工具调用
	Search(ctx context.Context, query string) ([]Result, error)
}

// Result 单条工具结果
type Result struct {
	Content string `json:"content"`
	Locator string `json:"locator"` // URL 或工具内定位符
}

// WrapResults 将工具结果包装为未评分证据.
// 工具证据与内部检索证据走同一评分通道,不默认可信.
func WrapResults(toolName string, results []Result) []evidence.Item {
	items := make([]evidence.Item, 0, len(results))
	for _, r := range results {
		src := evidence.Source{
			Origin:  fmt.Sprintf("tool:%s", toolName),
			Locator: r.Locator,
		}
		items = append(items, evidence.Item{
			ID:        evidence.ItemID(r.Content, src),
			Content:   r.Content,
			Source:    src,
			Relevance: evidence.RelevanceUngraded,
		})
	}
	return items
}
