package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider 基于词袋哈希的本地嵌入提供者.
// 对相同输入完全确定,不依赖外部服务,用于测试与离线运行.
// 向量质量远不及学习型嵌入,仅保证词汇重叠的文本有较高余弦相似度.
type HashProvider struct {
	dims int
}

// NewHashProvider 创建本地哈希嵌入提供者
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Name() string    { return "hash-embedding" }
func (p *HashProvider) Dimensions() int { return p.dims }

// Embed 生成归一化的词袋哈希向量
func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	vecs := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs[i] = p.embedOne(text)
	}
	return vecs, nil
}

func (p *HashProvider) embedOne(text string) []float64 {
	vec := make([]float64, p.dims)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(term))
		sum := h.Sum64()
		slot := int(sum % uint64(p.dims))
		// 第二个哈希位决定符号,减少槽位碰撞时的系统偏差
		sign := 1.0
		if (sum>>32)&1 == 1 {
			sign = -1.0
		}
		vec[slot] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
