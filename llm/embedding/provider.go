// Package embedding 提供统一的嵌入提供者接口和实现.
// 对相同输入,提供者必须返回确定性的向量.
package embedding

import (
	"context"
)

// Provider 定义统一的嵌入提供者接口.
type Provider interface {
	// Name 返回提供者名称
	Name() string

	// Dimensions 返回输出向量维度
	Dimensions() int

	// Embed 为给定输入批量生成嵌入,返回顺序与输入一致.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// EmbedOne 单文本嵌入的便捷封装.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float64, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, ErrEmptyResponse
	}
	return vecs[0], nil
}
