// Package llm 定义管线的 LLM 调用边界.
// 评分器,重写器,合成器与校验器共用同一 Provider 接口,
// 各自通过模板 ID 从注册表渲染提示词.
package llm

import (
	"context"
)

// Provider LLM 提供者接口
type Provider interface {
	// Name 返回提供者名称
	Name() string

	// Completion 执行一次补全调用
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
