// Package query 提供查询分析与预算受限的查询重写.
package query

import (
	"regexp"
	"strings"
)

// Intent 查询意图
type Intent string

const (
	IntentFactual     Intent = "factual"     // Simple fact lookup
	IntentComparison  Intent = "comparison"  // Compare multiple items
	IntentExplanation Intent = "explanation" // Explain a concept
	IntentProcedural  Intent = "procedural"  // How-to questions
	IntentCausal      Intent = "causal"      // Cause-effect relationships
	IntentUnknown     Intent = "unknown"     // Cannot determine intent
)

// Analysis 查询分析结果
type Analysis struct {
	Intent   Intent   `json:"intent"`
	Keywords []string `json:"keywords"`
	Variants []string `json:"variants,omitempty"`
}

var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentComparison, regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|difference between|better than)\b`)},
	{IntentProcedural, regexp.MustCompile(`(?i)^(how (do|to|can|should)|steps to)\b`)},
	{IntentCausal, regexp.MustCompile(`(?i)\b(why|cause[sd]?|because|reason for|lead[s]? to)\b`)},
	{IntentExplanation, regexp.MustCompile(`(?i)\b(explain|describe|elaborate|in detail)\b`)},
	{IntentFactual, regexp.MustCompile(`(?i)^(what|who|when|where|which|is|are|does|did)\b`)},
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"were": true, "be": true, "been": true, "do": true, "does": true, "did": true,
	"what": true, "who": true, "when": true, "where": true, "which": true,
	"why": true, "how": true, "of": true, "in": true, "on": true, "for": true,
	"to": true, "and": true, "or": true, "with": true, "about": true, "it": true,
	"this": true, "that": true,
}

// Analyze 对查询做轻量意图分类与关键词抽取.
// 纯启发式,不产生外部调用,为 RETRIEVE 状态提供输入.
func Analyze(text string) Analysis {
	a := Analysis{Intent: IntentUnknown}

	for _, p := range intentPatterns {
		if p.pattern.MatchString(text) {
			a.Intent = p.intent
			break
		}
	}

	seen := make(map[string]bool)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		term = strings.Trim(term, ".,;:!?\"'()[]")
		if term == "" || stopwords[term] || seen[term] {
			continue
		}
		seen[term] = true
		a.Keywords = append(a.Keywords, term)
	}

	// 关键词串作为附加检索变体
	if len(a.Keywords) > 1 {
		a.Variants = []string{strings.Join(a.Keywords, " ")}
	}
	return a
}
