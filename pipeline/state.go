// Package pipeline 实现自纠偏检索增强管线的状态机协调器与检查点持久化.
package pipeline

import "fmt"

// State 定义管线执行状态
type State string

const (
	StateAnalyze         State = "analyze"          // Analyzing the question
	StateRetrieve        State = "retrieve"         // Hybrid retrieval
	StateGrade           State = "grade"            // Grading evidence relevance
	StateRewrite         State = "rewrite"          // Rewriting the query
	StateFallback        State = "fallback"         // Tool fallback acquisition
	StateSynthesize      State = "synthesize"       // Synthesizing the answer
	StateValidate        State = "validate"         // Validating answer support
	StateRetrySynthesize State = "retry_synthesize" // One strict re-synthesis after failed validation
	StateDone            State = "done"             // Terminal: answer produced
	StateFailed          State = "failed"           // Terminal: no supportable answer
)

// validTransitions 定义合法的状态转换
var validTransitions = map[State][]State{
	StateAnalyze:  {StateRetrieve, StateFailed},
	StateRetrieve: {StateGrade, StateFallback, StateFailed},
	// 评估后: 证据充分则合成,不足则重写再检索,重写预算耗尽则工具回退
	StateGrade:           {StateSynthesize, StateRewrite, StateFallback, StateFailed},
	StateRewrite:         {StateRetrieve, StateFallback, StateFailed},
	StateFallback:        {StateGrade, StateFailed}, // 回退证据并入后直接重评,不再检索
	StateSynthesize:      {StateValidate, StateFailed},
	StateValidate:        {StateDone, StateRetrySynthesize, StateFailed},
	StateRetrySynthesize: {StateValidate, StateFailed},
	StateDone:            {},
	StateFailed:          {},
}

// CanTransition 检查状态转换是否合法
func CanTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断是否为终止状态
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// ErrInvalidTransition 非法状态转换错误
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// FailureReason 终止于 failed 状态时的失败原因
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonRetrievalUnavailable  FailureReason = "retrieval_unavailable"
	ReasonEmbeddingFailure      FailureReason = "embedding_failure"
	ReasonToolFallbackExhausted FailureReason = "tool_fallback_exhausted"
	ReasonInsufficientEvidence  FailureReason = "insufficient_evidence"
	ReasonSynthesisContract     FailureReason = "synthesis_contract_violation"
	ReasonUnsupportedAnswer     FailureReason = "unsupported_answer"
	ReasonCancelled             FailureReason = "cancelled"
	ReasonInternal              FailureReason = "internal_error"
)
