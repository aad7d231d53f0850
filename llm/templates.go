package llm

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"
)

// 内置模板 ID
// 模板的外部存储与版本管理不在本库范围内; 注册表允许调用方整体替换模板文本.
const (
	TemplateGradeRelevance   = "grade_relevance"
	TemplateRewriteQuery     = "rewrite_query"
	TemplateSynthesizeAnswer = "synthesize_answer"
	TemplateSynthesizeStrict = "synthesize_answer_strict"
	TemplateValidateAnswer   = "validate_answer"
)

// 默认提示模板文本
const (
	defaultGradeTemplate = `You are a grader assessing the relevance of a retrieved passage to a user question.

## Question
{{.Question}}

## Passage
{{.Passage}}

## Instructions
If the passage contains keywords or semantic meaning related to the question, grade it as relevant.
Respond with a JSON object: {"relevant": true} or {"relevant": false}. No other text.`

	defaultRewriteTemplate = `You are a query rewriter improving a question for document retrieval.

## Original Question
{{.Original}}

## Current Question
{{.Current}}

## Retrieval Feedback
The current question retrieved {{.RelevantCount}} relevant passages out of {{.TotalCount}}.

## Instructions
Rewrite the current question to broaden or refocus retrieval: generalize overly
specific terms, add synonyms for key concepts, and keep the original intent.
Respond with the rewritten question only, no explanation.`

	defaultSynthesizeTemplate = `You are an assistant answering a question using only the numbered evidence passages below.

## Question
{{.Question}}

## Evidence
{{range .Evidence}}[{{.Index}}] {{.Content}}
{{end}}
## Instructions
1. Answer the question using only information from the evidence.
2. Cite evidence inline using bracketed indices, e.g. [1] or [2][3].
3. Every factual claim must carry at least one citation.
4. If the evidence is insufficient for part of the question, say so explicitly.`

	defaultSynthesizeStrictTemplate = `You are an assistant answering a question using only the numbered evidence passages below.
A previous answer contained claims not supported by the evidence. Be strict this time.

## Question
{{.Question}}

## Evidence
{{range .Evidence}}[{{.Index}}] {{.Content}}
{{end}}
## Instructions
1. Use ONLY facts stated verbatim or directly implied in the evidence.
2. Cite evidence inline using bracketed indices, e.g. [1] or [2][3].
3. Do not add background knowledge, examples, or qualifications not present in the evidence.
4. Prefer a shorter, fully supported answer over a complete but unsupported one.`

	defaultValidateTemplate = `You are a grader checking whether an answer is grounded in a set of evidence passages.

## Evidence
{{range .Evidence}}[{{.Index}}] {{.Content}}
{{end}}
## Answer
{{.Answer}}

## Instructions
Check each factual claim in the answer against the evidence.
Respond with a JSON object: {"supported": true} if every claim is traceable to
the evidence, otherwise {"supported": false, "unsupported_claims": ["..."]}. No other text.`
)

// TemplateRegistry 提示模板注册表
type TemplateRegistry struct {
	templates map[string]*template.Template
	mu        sync.RWMutex
}

// NewTemplateRegistry 创建带内置模板的注册表
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]*template.Template)}
	builtins := map[string]string{
		TemplateGradeRelevance:   defaultGradeTemplate,
		TemplateRewriteQuery:     defaultRewriteTemplate,
		TemplateSynthesizeAnswer: defaultSynthesizeTemplate,
		TemplateSynthesizeStrict: defaultSynthesizeStrictTemplate,
		TemplateValidateAnswer:   defaultValidateTemplate,
	}
	for id, text := range builtins {
		// 内置模板必须可解析
		r.templates[id] = template.Must(template.New(id).Parse(text))
	}
	return r
}

// Register 注册或覆盖模板
func (r *TemplateRegistry) Register(id, text string) error {
	tmpl, err := template.New(id).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[id] = tmpl
	return nil
}

// Render 渲染模板
func (r *TemplateRegistry) Render(id string, vars any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[id]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template not found: %s", id)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template %s: %w", id, err)
	}
	return buf.String(), nil
}
