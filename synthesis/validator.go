package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/llm"
)

// Validator 答案支持性校验器.
// 将答案的每个论断与其引用的证据内容比对,
// 任一论断缺乏证据支持即判定整体不支持.
type Validator struct {
	client *llm.Client
	logger *zap.Logger
}

// NewValidator 创建校验器
func NewValidator(client *llm.Client, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		client: client,
		logger: logger.With(zap.String("component", "answer_validator")),
	}
}

// validateVars 校验模板变量
type validateVars struct {
	Answer   string
	Evidence []evidenceEntry
}

// verdict LLM 校验输出
type verdict struct {
	Supported         bool     `json:"supported"`
	UnsupportedClaims []string `json:"unsupported_claims"`
}

// Validate 校验答案草稿是否被其引用的证据支持,返回带校验状态的草稿.
// 无引用的答案直接判不支持,不消耗 LLM 调用.
func (v *Validator) Validate(ctx context.Context, draft evidence.AnswerDraft, items *evidence.Set) (evidence.AnswerDraft, error) {
	if len(draft.Citations) == 0 {
		v.logger.Warn("answer draft has no citations, marking unsupported")
		draft.ValidationStatus = evidence.ValidationUnsupported
		return draft, nil
	}

	start := time.Now()
	cited := make([]evidenceEntry, 0, len(draft.Citations))
	for i, id := range draft.Citations {
		item, ok := items.Get(id)
		if !ok {
			return draft, fmt.Errorf("cited evidence %s not found in working set", id)
		}
		cited = append(cited, evidenceEntry{Index: i + 1, Content: item.Content})
	}

	text, err := v.client.Complete(ctx, llm.TemplateValidateAnswer, validateVars{
		Answer:   draft.Text,
		Evidence: cited,
	})
	if err != nil {
		return draft, fmt.Errorf("validate answer: %w", err)
	}

	result := parseVerdict(text)
	if result.Supported {
		draft.ValidationStatus = evidence.ValidationSupported
	} else {
		draft.ValidationStatus = evidence.ValidationUnsupported
	}

	v.logger.Info("answer validated",
		zap.Bool("supported", result.Supported),
		zap.Int("claims", len(answerClaims(draft.Text))),
		zap.Int("unsupported_claims", len(result.UnsupportedClaims)),
		zap.Strings("unsupported", result.UnsupportedClaims),
		zap.Duration("duration", time.Since(start)))

	return draft, nil
}

// parseVerdict 解析校验输出,兼容 JSON 前后夹杂说明文字的情况.
// 完全无法解析时按不支持处理,宁可重试也不放行未经证实的答案.
func parseVerdict(text string) verdict {
	var result verdict

	begin := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if begin >= 0 && end > begin {
		if err := json.Unmarshal([]byte(text[begin:end+1]), &result); err == nil {
			return result
		}
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "supported") && !strings.Contains(lower, "unsupported") &&
		!strings.Contains(lower, "not supported") {
		result.Supported = true
	}
	return result
}
