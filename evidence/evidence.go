// Package evidence 定义检索纠错管线共享的核心数据模型.
// 包括查询,证据项,证据集与答案草稿,所有管线组件都在这些类型上运作.
package evidence

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Relevance 证据相关性判定结果
type Relevance string

const (
	RelevanceUngraded   Relevance = "ungraded"   // Not yet judged
	RelevanceRelevant   Relevance = "relevant"   // Judged relevant to the query
	RelevanceIrrelevant Relevance = "irrelevant" // Judged irrelevant to the query
)

// Source 证据来源
// Origin 取值: "vector_store", "tool:<name>" 等; Locator 为文档 ID,URL 或工具定位符.
type Source struct {
	Origin  string `json:"origin"`
	Locator string `json:"locator"`
}

// Item 单条证据
// 由混合检索器或工具回退路由创建; 只有相关性评分器会修改 Relevance 字段,
// 评分之后不再变更.
type Item struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Source        Source    `json:"source"`
	DenseScore    float64   `json:"dense_score"`
	SparseScore   float64   `json:"sparse_score"`
	FusedScore    float64   `json:"fused_score"`
	DiversityRank int       `json:"diversity_rank"`
	Relevance     Relevance `json:"relevance"`
	// GradeError 记录单项评分失败的原因（局部降级，不中断整体评分）
	GradeError string `json:"grade_error,omitempty"`
}

// ItemID 根据内容与来源生成稳定的证据 ID.
func ItemID(content string, src Source) string {
	h := sha256.Sum256([]byte(src.Origin + "\x00" + src.Locator + "\x00" + content))
	return fmt.Sprintf("ev_%x", h[:8])
}

// Set 去重的有序证据集
// 插入顺序反映融合/多样性排名,而非评分顺序.
type Set struct {
	items []Item
	index map[string]int // id -> position in items
}

// NewSet 创建空证据集
func NewSet() *Set {
	return &Set{index: make(map[string]int)}
}

// NewSetFrom 从切片创建证据集,按顺序去重.
func NewSetFrom(items []Item) *Set {
	s := NewSet()
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add 追加一条证据; 若 ID 已存在则忽略并返回 false.
func (s *Set) Add(item Item) bool {
	if item.ID == "" {
		item.ID = ItemID(item.Content, item.Source)
	}
	if _, ok := s.index[item.ID]; ok {
		return false
	}
	if item.Relevance == "" {
		item.Relevance = RelevanceUngraded
	}
	s.index[item.ID] = len(s.items)
	s.items = append(s.items, item)
	return true
}

// Merge 将另一证据集的条目按顺序并入,跳过重复 ID,返回新增条数.
func (s *Set) Merge(other *Set) int {
	if other == nil {
		return 0
	}
	added := 0
	for _, it := range other.items {
		if s.Add(it) {
			added++
		}
	}
	return added
}

// Get 按 ID 查找证据
func (s *Set) Get(id string) (Item, bool) {
	pos, ok := s.index[id]
	if !ok {
		return Item{}, false
	}
	return s.items[pos], true
}

// Contains 判断 ID 是否存在
func (s *Set) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// SetRelevance 设置指定证据的相关性判定
func (s *Set) SetRelevance(id string, rel Relevance, gradeErr string) bool {
	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.items[pos].Relevance = rel
	s.items[pos].GradeError = gradeErr
	return true
}

// Items 返回证据切片的拷贝,保持插入顺序.
func (s *Set) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len 证据条数
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Relevant 返回判定为相关的证据,保持顺序.
func (s *Set) Relevant() []Item {
	var out []Item
	for _, it := range s.items {
		if it.Relevance == RelevanceRelevant {
			out = append(out, it)
		}
	}
	return out
}

// RelevantCount 相关证据条数
func (s *Set) RelevantCount() int {
	n := 0
	for _, it := range s.items {
		if it.Relevance == RelevanceRelevant {
			n++
		}
	}
	return n
}

// Ungraded 返回尚未评分的证据,保持顺序.
func (s *Set) Ungraded() []Item {
	var out []Item
	for _, it := range s.items {
		if it.Relevance == RelevanceUngraded {
			out = append(out, it)
		}
	}
	return out
}

// Clone 深拷贝证据集,用于检查点快照.
func (s *Set) Clone() *Set {
	if s == nil {
		return NewSet()
	}
	c := &Set{
		items: make([]Item, len(s.items)),
		index: make(map[string]int, len(s.index)),
	}
	copy(c.items, s.items)
	for id, pos := range s.index {
		c.index[id] = pos
	}
	return c
}

// String 用于日志的简短描述
func (s *Set) String() string {
	ids := make([]string, 0, len(s.items))
	for _, it := range s.items {
		ids = append(ids, it.ID)
	}
	return fmt.Sprintf("EvidenceSet(%d)[%s]", len(s.items), strings.Join(ids, ","))
}
