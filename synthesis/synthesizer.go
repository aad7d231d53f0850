// Package synthesis 实现基于证据的答案合成与支持性校验.
// 合成只消费判定为相关的证据,引用必须指向输入证据,
// 违反该契约按内部错误处理,绝不作为正常答案返回.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/llm"
	"github.com/BaSui01/corag/llm/tokenizer"
)

// ErrInsufficientEvidence 无相关证据可供合成
var ErrInsufficientEvidence = errors.New("insufficient evidence for synthesis")

// ErrCitationContract 合成输出引用了输入证据中不存在的条目
// 始终视为内部缺陷,带完整上下文记录.
var ErrCitationContract = errors.New("synthesis citation contract violation")

// SynthesizerConfig 合成器配置
type SynthesizerConfig struct {
	// MaxEvidenceTokens 证据部分的 token 预算,超出时截断条目内容.
	MaxEvidenceTokens int `json:"max_evidence_tokens" yaml:"max_evidence_tokens"`

	// TokenizerModel 用于 token 计数的模型名
	TokenizerModel string `json:"tokenizer_model" yaml:"tokenizer_model"`
}

// DefaultSynthesizerConfig 返回默认配置
func DefaultSynthesizerConfig() SynthesizerConfig {
	return SynthesizerConfig{
		MaxEvidenceTokens: 4096,
		TokenizerModel:    "gpt-4o-mini",
	}
}

// Synthesizer 答案合成器
type Synthesizer struct {
	client  *llm.Client
	config  SynthesizerConfig
	counter tokenizer.Counter
	logger  *zap.Logger
}

// NewSynthesizer 创建合成器
func NewSynthesizer(client *llm.Client, config SynthesizerConfig, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxEvidenceTokens <= 0 {
		config.MaxEvidenceTokens = DefaultSynthesizerConfig().MaxEvidenceTokens
	}
	if config.TokenizerModel == "" {
		config.TokenizerModel = DefaultSynthesizerConfig().TokenizerModel
	}
	return &Synthesizer{
		client:  client,
		config:  config,
		counter: tokenizer.ForModel(config.TokenizerModel),
		logger:  logger.With(zap.String("component", "answer_synthesizer")),
	}
}

// evidenceEntry 模板中的编号证据条目
type evidenceEntry struct {
	Index   int
	Content string
}

// synthesizeVars 合成模板变量
type synthesizeVars struct {
	Question string
	Evidence []evidenceEntry
}

// Synthesize 从相关证据合成带引用的答案草稿.
// strict 为真时使用更严格的提示模板（校验失败后的重试）.
// 引用的每个 ID 在返回前校验存在于输入证据中.
func (s *Synthesizer) Synthesize(ctx context.Context, q evidence.Query, items *evidence.Set, strict bool) (evidence.AnswerDraft, error) {
	relevant := items.Relevant()
	if len(relevant) == 0 {
		return evidence.AnswerDraft{}, ErrInsufficientEvidence
	}

	start := time.Now()
	entries := s.buildEntries(relevant)

	templateID := llm.TemplateSynthesizeAnswer
	if strict {
		templateID = llm.TemplateSynthesizeStrict
	}

	text, err := s.client.Complete(ctx, templateID, synthesizeVars{
		Question: q.CurrentText,
		Evidence: entries,
	})
	if err != nil {
		return evidence.AnswerDraft{}, fmt.Errorf("synthesize answer: %w", err)
	}

	citations, err := extractCitations(text, relevant)
	if err != nil {
		// 契约违规: 带完整上下文记录,不作为正常答案返回
		s.logger.Error("synthesizer violated citation contract",
			zap.String("answer", text),
			zap.Int("evidence_count", len(relevant)),
			zap.Error(err))
		return evidence.AnswerDraft{}, err
	}

	s.logger.Info("answer synthesized",
		zap.Int("evidence_used", len(relevant)),
		zap.Int("citations", len(citations)),
		zap.Bool("strict", strict),
		zap.Duration("duration", time.Since(start)))

	return evidence.AnswerDraft{
		Text:             text,
		Citations:        citations,
		ValidationStatus: evidence.ValidationUnvalidated,
	}, nil
}

// buildEntries 构造编号证据列表,按 token 预算均分并截断.
func (s *Synthesizer) buildEntries(relevant []evidence.Item) []evidenceEntry {
	budgetPerItem := s.config.MaxEvidenceTokens / len(relevant)
	if budgetPerItem < 64 {
		budgetPerItem = 64
	}

	entries := make([]evidenceEntry, 0, len(relevant))
	for i, item := range relevant {
		entries = append(entries, evidenceEntry{
			Index:   i + 1,
			Content: s.truncateToTokens(item.Content, budgetPerItem),
		})
	}
	return entries
}

// truncateToTokens 将文本截断到 token 预算之内.
// tiktoken 初始化失败时回退到估算器.
func (s *Synthesizer) truncateToTokens(text string, budget int) string {
	count, err := s.counter.CountTokens(text)
	if err != nil {
		count, _ = tokenizer.Estimator{}.CountTokens(text)
	}
	if count <= budget {
		return text
	}

	// 按比例截断,字符级近似即可
	ratio := float64(budget) / float64(count)
	cut := int(float64(len(text)) * ratio)
	if cut < 1 {
		cut = 1
	}
	if cut >= len(text) {
		return text
	}
	// 退回到 rune 边界,不能切出非法 UTF-8
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations 解析答案中的编号引用并映射回证据 ID.
// 引用了不存在的编号即契约违规.
func extractCitations(text string, relevant []evidence.Item) ([]string, error) {
	matches := citationPattern.FindAllStringSubmatch(text, -1)

	var citations []string
	seen := make(map[string]bool)
	for _, m := range matches {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if idx < 1 || idx > len(relevant) {
			return nil, fmt.Errorf("%w: citation [%d] outside evidence range 1..%d",
				ErrCitationContract, idx, len(relevant))
		}
		id := relevant[idx-1].ID
		if !seen[id] {
			seen[id] = true
			citations = append(citations, id)
		}
	}
	return citations, nil
}

// CitationLocators 将引用 ID 映射为来源定位符,供响应展示.
func CitationLocators(citations []string, items *evidence.Set) []string {
	locators := make([]string, 0, len(citations))
	for _, id := range citations {
		if item, ok := items.Get(id); ok {
			locators = append(locators, item.Source.Locator)
		}
	}
	return locators
}

// answerClaims 粗略按句切分答案,用于日志与调试.
func answerClaims(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	var claims []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			claims = append(claims, p)
		}
	}
	return claims
}
