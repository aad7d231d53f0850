// Package metrics 暴露管线的 Prometheus 指标.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 管线指标收集器
type Collector struct {
	transitions   *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec
	checkpoints   *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	evidenceUsed  prometheus.Histogram

	llmCalls          *prometheus.CounterVec
	llmDuration       *prometheus.HistogramVec
	retrievalDuration prometheus.Histogram
	retrievalResults  prometheus.Histogram
}

// NewCollector 创建并注册指标收集器
// registerer 为 nil 时使用默认注册表.
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Collector{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corag",
			Subsystem: "pipeline",
			Name:      "state_transitions_total",
			Help:      "Pipeline state transitions by source and target state.",
		}, []string{"from", "to"}),
		stateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corag",
			Subsystem: "pipeline",
			Name:      "state_duration_seconds",
			Help:      "Time spent executing each pipeline state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corag",
			Subsystem: "pipeline",
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint writes by pipeline state.",
		}, []string{"state"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corag",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by terminal state and failure reason.",
		}, []string{"terminal_state", "failure_reason"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corag",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "End-to-end pipeline run duration.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		evidenceUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corag",
			Subsystem: "pipeline",
			Name:      "evidence_used",
			Help:      "Relevant evidence items feeding synthesis per run.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corag",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "LLM completions by prompt template and outcome.",
		}, []string{"template_id", "outcome"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corag",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM completion latency by prompt template.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"template_id"}),
		retrievalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corag",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "End-to-end hybrid retrieval latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		retrievalResults: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "corag",
			Subsystem: "retrieval",
			Name:      "results",
			Help:      "Evidence items returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
	}
}

// ObserveTransition 记录一次状态转换
func (c *Collector) ObserveTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

// ObserveStateDuration 记录单个状态的执行耗时
func (c *Collector) ObserveStateDuration(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.stateDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveCheckpoint 记录一次检查点写入
func (c *Collector) ObserveCheckpoint(state string) {
	if c == nil {
		return
	}
	c.checkpoints.WithLabelValues(state).Inc()
}

// ObserveRun 记录一次完整运行
func (c *Collector) ObserveRun(terminalState, failureReason string, d time.Duration, evidenceUsed int) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(terminalState, failureReason).Inc()
	c.runDuration.Observe(d.Seconds())
	c.evidenceUsed.Observe(float64(evidenceUsed))
}

// ObserveLLMCall 记录一次 LLM 补全调用
func (c *Collector) ObserveLLMCall(templateID, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.llmCalls.WithLabelValues(templateID, outcome).Inc()
	c.llmDuration.WithLabelValues(templateID).Observe(d.Seconds())
}

// ObserveRetrieval 记录一次混合检索
func (c *Collector) ObserveRetrieval(d time.Duration, results int) {
	if c == nil {
		return
	}
	c.retrievalDuration.Observe(d.Seconds())
	c.retrievalResults.Observe(float64(results))
}
