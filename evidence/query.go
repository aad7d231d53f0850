package evidence

import "encoding/json"

// Query 管线查询
// OriginalText 一经设置不可变更; 重写只改 CurrentText.
type Query struct {
	OriginalText string `json:"original_text"`
	CurrentText  string `json:"current_text"`
	RewriteCount int    `json:"rewrite_count"`
	ThreadID     string `json:"thread_id"`

	// MaxRewrites 单请求重写预算覆盖,nil 表示使用重写器配置.
	// 随查询持久化到检查点,恢复后预算约束不变.
	MaxRewrites *int `json:"max_rewrites,omitempty"`
}

// NewQuery 创建初始查询
func NewQuery(threadID, text string) Query {
	return Query{
		OriginalText: text,
		CurrentText:  text,
		ThreadID:     threadID,
	}
}

// WithRewrite 返回应用了一次重写的新查询,原文保持不变.
func (q Query) WithRewrite(newText string) Query {
	q.CurrentText = newText
	q.RewriteCount++
	return q
}

// ValidationStatus 答案校验状态
type ValidationStatus string

const (
	ValidationUnvalidated ValidationStatus = "unvalidated"
	ValidationSupported   ValidationStatus = "supported"
	ValidationUnsupported ValidationStatus = "unsupported"
)

// AnswerDraft 合成的答案草稿
// Citations 中的每个 ID 必须存在于产生它的证据集中（引用完整性约束）.
type AnswerDraft struct {
	Text             string           `json:"text"`
	Citations        []string         `json:"citations"`
	ValidationStatus ValidationStatus `json:"validation_status"`
}

// MarshalJSON 序列化证据集为条目数组
func (s *Set) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// UnmarshalJSON 从条目数组恢复证据集并重建索引
func (s *Set) UnmarshalJSON(data []byte) error {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	s.items = nil
	s.index = make(map[string]int, len(items))
	for _, it := range items {
		s.Add(it)
	}
	return nil
}
