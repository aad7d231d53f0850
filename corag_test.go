package corag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/corag/llm"
	"github.com/BaSui01/corag/pipeline"
)

// echoProvider 对所有模板返回固定可解析的回复
type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	var text string
	switch req.Metadata["template_id"] {
	case llm.TemplateGradeRelevance:
		text = `{"relevant": true}`
	case llm.TemplateValidateAnswer:
		text = `{"supported": true}`
	case llm.TemplateSynthesizeAnswer, llm.TemplateSynthesizeStrict:
		text = "Answer derived from evidence [1]."
	default:
		text = "ok"
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}},
	}, nil
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestNew_DefaultsAreUsable(t *testing.T) {
	p, err := New(WithProvider(echoProvider{}))
	require.NoError(t, err)
	require.NotNil(t, p)

	// 空语料且无工具: 重写预算耗尽后因证据不足终止
	resp, err := p.Run(context.Background(), Request{
		ThreadID: "facade-test",
		Question: "anything at all",
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, resp.TerminalState)
	assert.Equal(t, pipeline.ReasonInsufficientEvidence, resp.FailureReason)
}
