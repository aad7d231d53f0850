// Package tokenizer 提供 token 计数,用于合成提示词的预算管理.
// 支持 tiktoken 精确计数与估算回退.
package tokenizer

// Counter 是统一的 token 计数接口.
type Counter interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称.
	Name() string
}

// Estimator 基于字符数的粗略估算器.
// 英文约 4 字符/token; CJK 按每字一个 token 近似.
type Estimator struct{}

func (Estimator) Name() string { return "estimator" }

func (Estimator) CountTokens(text string) (int, error) {
	ascii, other := 0, 0
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	n := ascii/4 + other
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n, nil
}
