// Package grading 实现证据相关性评分.
// 每条证据独立发起一次二元判定,单项失败只降级该项,不中断整体评分.
package grading

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/llm"
)

// GraderConfig 评分器配置
type GraderConfig struct {
	// Concurrency 并发判定数上限
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// DefaultGraderConfig 返回默认配置
func DefaultGraderConfig() GraderConfig {
	return GraderConfig{Concurrency: 8}
}

// Grader 相关性评分器
// 用 LLM 判定每条证据与当前查询的相关性.
type Grader struct {
	client *llm.Client
	config GraderConfig
	logger *zap.Logger
}

// NewGrader 创建评分器
func NewGrader(client *llm.Client, config GraderConfig, logger *zap.Logger) *Grader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultGraderConfig().Concurrency
	}
	return &Grader{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "relevance_grader")),
	}
}

// gradeVars 评分模板变量
type gradeVars struct {
	Question string
	Passage  string
}

// gradeVerdict 评分响应结构
type gradeVerdict struct {
	Relevant bool `json:"relevant"`
}

// Grade 对证据集中所有未评分条目发起并发判定.
// 判定相互独立,单项失败标记为 IRRELEVANT 并记录错误注解.
// 输出顺序与输入一致（直接在集合内就地更新）.
func (g *Grader) Grade(ctx context.Context, query evidence.Query, set *evidence.Set) (*evidence.Set, error) {
	ungraded := set.Ungraded()
	if len(ungraded) == 0 {
		return set, nil
	}

	start := time.Now()
	type verdict struct {
		id       string
		relevant bool
		gradeErr string
	}

	verdicts := make([]verdict, len(ungraded))
	var wg sync.WaitGroup
	sem := make(chan struct{}, g.config.Concurrency)

	for i, item := range ungraded {
		wg.Add(1)
		go func(idx int, it evidence.Item) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				verdicts[idx] = verdict{id: it.ID, gradeErr: ctx.Err().Error()}
				return
			}

			relevant, err := g.gradeOne(ctx, query.CurrentText, it.Content)
			if err != nil {
				g.logger.Warn("grading failed for item",
					zap.String("item_id", it.ID),
					zap.Error(err))
				verdicts[idx] = verdict{id: it.ID, gradeErr: err.Error()}
				return
			}
			verdicts[idx] = verdict{id: it.ID, relevant: relevant}
		}(i, item)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return set, err
	}

	relevantCount := 0
	for _, v := range verdicts {
		if v.gradeErr != "" {
			set.SetRelevance(v.id, evidence.RelevanceIrrelevant, v.gradeErr)
			continue
		}
		rel := evidence.RelevanceIrrelevant
		if v.relevant {
			rel = evidence.RelevanceRelevant
			relevantCount++
		}
		set.SetRelevance(v.id, rel, "")
	}

	g.logger.Info("grading pass completed",
		zap.Int("graded", len(ungraded)),
		zap.Int("relevant", relevantCount),
		zap.Duration("duration", time.Since(start)))

	return set, nil
}

func (g *Grader) gradeOne(ctx context.Context, question, passage string) (bool, error) {
	text, err := g.client.Complete(ctx, llm.TemplateGradeRelevance, gradeVars{
		Question: question,
		Passage:  passage,
	})
	if err != nil {
		return false, err
	}
	return parseVerdict(text)
}

// parseVerdict 解析判定响应
// 优先解析 JSON; 模型偶尔返回裸词时回退到关键字匹配.
func parseVerdict(text string) (bool, error) {
	trimmed := strings.TrimSpace(text)

	var v gradeVerdict
	if err := json.Unmarshal([]byte(extractJSON(trimmed)), &v); err == nil {
		return v.Relevant, nil
	}

	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "yes"), strings.Contains(lower, `"relevant": true`), lower == "true":
		return true, nil
	case strings.HasPrefix(lower, "no"), lower == "false":
		return false, nil
	}
	return false, nil
}

// extractJSON 截取响应中第一个大括号片段,容忍模型输出的前后缀.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
