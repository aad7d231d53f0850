package grading

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/corag/evidence"
	"github.com/BaSui01/corag/llm"
)

// fakeProvider 按提示词内容返回预设判定
type fakeProvider struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	fail     func(prompt string) error
	answer   func(prompt string) string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	prompt := req.Messages[0].Content
	if p.fail != nil {
		if err := p.fail(prompt); err != nil {
			return nil, err
		}
	}
	text := `{"relevant": false}`
	if p.answer != nil {
		text = p.answer(prompt)
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}}}, nil
}

func newTestGrader(provider llm.Provider, concurrency int) *Grader {
	client := llm.NewClient(provider, llm.DefaultClientConfig(), zap.NewNop())
	cfg := DefaultGraderConfig()
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}
	return NewGrader(client, cfg, zap.NewNop())
}

func TestGrader_MarksRelevantAndIrrelevant(t *testing.T) {
	provider := &fakeProvider{
		answer: func(prompt string) string {
			if strings.Contains(prompt, "goroutines") {
				return `{"relevant": true}`
			}
			return `{"relevant": false}`
		},
	}
	grader := newTestGrader(provider, 0)

	set := evidence.NewSetFrom([]evidence.Item{
		{ID: "a", Content: "all about goroutines"},
		{ID: "b", Content: "cooking recipes"},
	})

	_, err := grader.Grade(context.Background(), evidence.NewQuery("t", "go concurrency"), set)
	require.NoError(t, err)

	a, _ := set.Get("a")
	b, _ := set.Get("b")
	assert.Equal(t, evidence.RelevanceRelevant, a.Relevance)
	assert.Equal(t, evidence.RelevanceIrrelevant, b.Relevance)
}

func TestGrader_SingleFailureIsIsolated(t *testing.T) {
	provider := &fakeProvider{
		fail: func(prompt string) error {
			if strings.Contains(prompt, "poison") {
				return errors.New("upstream 500")
			}
			return nil
		},
		answer: func(prompt string) string { return `{"relevant": true}` },
	}
	grader := newTestGrader(provider, 0)

	set := evidence.NewSetFrom([]evidence.Item{
		{ID: "ok1", Content: "healthy passage"},
		{ID: "bad", Content: "poison passage"},
		{ID: "ok2", Content: "another healthy passage"},
	})

	_, err := grader.Grade(context.Background(), evidence.NewQuery("t", "q"), set)
	require.NoError(t, err)

	bad, _ := set.Get("bad")
	assert.Equal(t, evidence.RelevanceIrrelevant, bad.Relevance)
	assert.Contains(t, bad.GradeError, "upstream 500")

	ok1, _ := set.Get("ok1")
	ok2, _ := set.Get("ok2")
	assert.Equal(t, evidence.RelevanceRelevant, ok1.Relevance)
	assert.Equal(t, evidence.RelevanceRelevant, ok2.Relevance)
}

func TestGrader_PreservesOrder(t *testing.T) {
	provider := &fakeProvider{answer: func(string) string { return `{"relevant": true}` }}
	grader := newTestGrader(provider, 2)

	items := []evidence.Item{
		{ID: "1", Content: "one"},
		{ID: "2", Content: "two"},
		{ID: "3", Content: "three"},
		{ID: "4", Content: "four"},
	}
	set := evidence.NewSetFrom(items)

	_, err := grader.Grade(context.Background(), evidence.NewQuery("t", "q"), set)
	require.NoError(t, err)

	got := set.Items()
	for i, it := range got {
		assert.Equal(t, items[i].ID, it.ID)
	}
}

func TestGrader_ConcurrencyBounded(t *testing.T) {
	provider := &fakeProvider{answer: func(string) string { return `{"relevant": true}` }}
	grader := newTestGrader(provider, 3)

	var items []evidence.Item
	for i := 0; i < 20; i++ {
		items = append(items, evidence.Item{ID: string(rune('a' + i)), Content: "passage"})
	}
	set := evidence.NewSetFrom(items)

	_, err := grader.Grade(context.Background(), evidence.NewQuery("t", "q"), set)
	require.NoError(t, err)
	assert.LessOrEqual(t, provider.peak, 3)
}

func TestGrader_SkipsAlreadyGraded(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	provider := &fakeProvider{answer: func(string) string {
		mu.Lock()
		calls++
		mu.Unlock()
		return `{"relevant": true}`
	}}
	grader := newTestGrader(provider, 0)

	set := evidence.NewSetFrom([]evidence.Item{
		{ID: "done", Content: "x", Relevance: evidence.RelevanceIrrelevant},
		{ID: "todo", Content: "y"},
	})

	_, err := grader.Grade(context.Background(), evidence.NewQuery("t", "q"), set)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	done, _ := set.Get("done")
	assert.Equal(t, evidence.RelevanceIrrelevant, done.Relevance)
}

func TestParseVerdict_ToleratesProse(t *testing.T) {
	cases := map[string]bool{
		`{"relevant": true}`:                       true,
		"Sure! Here is my verdict: {\"relevant\": true}": true,
		`{"relevant": false}`:                      false,
		"yes":                                      true,
		"No, this is unrelated.":                   false,
	}
	for input, want := range cases {
		got, err := parseVerdict(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}
