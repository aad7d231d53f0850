package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter 为 OpenAI 系模型封装 tiktoken.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// modelEncodings 将模型名称前缀映射到 tiktoken 编码.
// 按最长前缀在前排列: gpt-4o 必须先于 gpt-4 匹配.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"text-embedding-3", "cl100k_base"},
	{"gpt-3.5-turbo", "cl100k_base"},
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
}

// NewTiktokenCounter 为给定模型创建 tiktoken 计数器.
// 未知模型回退到 cl100k_base.
func NewTiktokenCounter(model string) *TiktokenCounter {
	encoding := "cl100k_base"
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			encoding = m.encoding
			break
		}
	}
	return &TiktokenCounter{encoding: encoding}
}

// init 延迟初始化编码（首次使用时可能下载数据）.
func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// ForModel 返回模型对应的计数器; tiktoken 初始化失败时调用方可回退到 Estimator.
func ForModel(model string) Counter {
	return NewTiktokenCounter(model)
}
