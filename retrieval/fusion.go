package retrieval

import (
	"sort"
)

// Candidate 融合阶段的候选文档
type Candidate struct {
	Document    Document
	DenseScore  float64
	SparseScore float64
	FusedScore  float64
}

// RRFConfig 倒数排名融合配置
type RRFConfig struct {
	Constant     float64 `json:"constant" yaml:"constant"`           // RRF 阻尼常数 c（标准值 60）
	DenseWeight  float64 `json:"dense_weight" yaml:"dense_weight"`   // 稠密排名权重
	SparseWeight float64 `json:"sparse_weight" yaml:"sparse_weight"` // 稀疏排名权重
}

// DefaultRRFConfig 返回默认配置
func DefaultRRFConfig() RRFConfig {
	return RRFConfig{
		Constant:     60,
		DenseWeight:  1.0,
		SparseWeight: 1.0,
	}
}

// FuseRRF 加权倒数排名融合
// fused = Σ w_i / (rank_i + c),排名从 1 开始.
// 同分按原始稠密分较高者优先,再按文档 ID 保证稳定.
func FuseRRF(dense, sparse []SearchResult, cfg RRFConfig) []Candidate {
	if cfg.Constant <= 0 {
		cfg.Constant = 60
	}

	byID := make(map[string]*Candidate)
	order := make([]string, 0, len(dense)+len(sparse))

	get := func(doc Document) *Candidate {
		if c, ok := byID[doc.ID]; ok {
			return c
		}
		c := &Candidate{Document: doc}
		byID[doc.ID] = c
		order = append(order, doc.ID)
		return c
	}

	for rank, r := range dense {
		c := get(r.Document)
		c.DenseScore = r.Score
		c.FusedScore += cfg.DenseWeight / (float64(rank+1) + cfg.Constant)
	}
	for rank, r := range sparse {
		c := get(r.Document)
		c.SparseScore = r.Score
		c.FusedScore += cfg.SparseWeight / (float64(rank+1) + cfg.Constant)
	}

	fused := make([]Candidate, 0, len(order))
	for _, id := range order {
		fused = append(fused, *byID[id])
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		if fused[i].DenseScore != fused[j].DenseScore {
			return fused[i].DenseScore > fused[j].DenseScore
		}
		return fused[i].Document.ID < fused[j].Document.ID
	})
	return fused
}

// MMRConfig 最大边际相关性重选配置
type MMRConfig struct {
	Lambda float64 `json:"lambda" yaml:"lambda"` // 相关性与多样性的权衡 (0-1)
}

// DefaultMMRConfig 返回默认配置
func DefaultMMRConfig() MMRConfig {
	return MMRConfig{Lambda: 0.5}
}

// SelectMMR 多样性重选
// 迭代选取 λ·relevance − (1−λ)·maxSim(候选, 已选) 最大的候选,
// 直到选满 k 条或候选耗尽. 候选须按融合排名有序传入;
// 同分时较早的融合排名获胜,保证确定性.
func SelectMMR(candidates []Candidate, k int, cfg MMRConfig) []Candidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if cfg.Lambda < 0 || cfg.Lambda > 1 {
		cfg.Lambda = 0.5
	}

	relevance := normalizeFused(candidates)

	selected := make([]Candidate, 0, k)
	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}

	for len(selected) < k && len(remaining) > 0 {
		bestPos := -1
		bestScore := 0.0
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, sel := range selected {
				sim := documentSimilarity(candidates[idx].Document, sel.Document)
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := cfg.Lambda*relevance[idx] - (1-cfg.Lambda)*maxSim
			if bestPos == -1 || score > bestScore {
				bestPos = pos
				bestScore = score
			}
		}

		chosen := remaining[bestPos]
		selected = append(selected, candidates[chosen])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	return selected
}

// normalizeFused 将融合分归一化到 [0,1] 作为 MMR 相关性项.
func normalizeFused(candidates []Candidate) []float64 {
	rel := make([]float64, len(candidates))
	if len(candidates) == 0 {
		return rel
	}
	minScore, maxScore := candidates[0].FusedScore, candidates[0].FusedScore
	for _, c := range candidates {
		if c.FusedScore < minScore {
			minScore = c.FusedScore
		}
		if c.FusedScore > maxScore {
			maxScore = c.FusedScore
		}
	}
	scoreRange := maxScore - minScore
	for i, c := range candidates {
		if scoreRange == 0 {
			rel[i] = 1.0
		} else {
			rel[i] = (c.FusedScore - minScore) / scoreRange
		}
	}
	return rel
}

// documentSimilarity 文档两两相似度
// 优先用嵌入余弦,缺少嵌入时回退到词汇 Jaccard 重叠.
func documentSimilarity(a, b Document) float64 {
	if a.Embedding != nil && b.Embedding != nil {
		return CosineSimilarity(a.Embedding, b.Embedding)
	}
	return jaccardSimilarity(a.Content, b.Content)
}

func jaccardSimilarity(a, b string) float64 {
	setA := make(map[string]bool)
	for _, t := range tokenize(a) {
		setA[t] = true
	}
	setB := make(map[string]bool)
	for _, t := range tokenize(b) {
		setB[t] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
