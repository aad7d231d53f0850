package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/corag/internal/metrics"
)

// ClientConfig 模板化补全客户端配置
type ClientConfig struct {
	Model       string        `json:"model" yaml:"model"`
	Temperature float32       `json:"temperature" yaml:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"` // Per-call timeout
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.1,
		MaxTokens:   1024,
		Timeout:     10 * time.Second,
	}
}

// Client 模板化补全客户端
// 管线组件通过 (模板 ID, 变量) 发起调用,每次调用带独立超时.
type Client struct {
	provider  Provider
	templates *TemplateRegistry
	config    ClientConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewClient 创建客户端
func NewClient(provider Provider, config ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	if config.Model == "" {
		config.Model = DefaultClientConfig().Model
	}
	return &Client{
		provider:  provider,
		templates: NewTemplateRegistry(),
		config:    config,
		logger:    logger.With(zap.String("component", "llm_client")),
	}
}

// Templates 返回模板注册表,供调用方覆盖内置模板.
func (c *Client) Templates() *TemplateRegistry { return c.templates }

// SetCollector 绑定指标收集器,nil 安全.
func (c *Client) SetCollector(collector *metrics.Collector) { c.collector = collector }

// Complete 渲染指定模板并执行补全,返回首个 choice 的文本.
func (c *Client) Complete(ctx context.Context, templateID string, vars any) (string, error) {
	prompt, err := c.templates.Render(templateID, vars)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Completion(ctx, &ChatRequest{
		Model:       c.config.Model,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Metadata:    map[string]string{"template_id": templateID},
	})
	if err != nil {
		c.collector.ObserveLLMCall(templateID, "error", time.Since(start))
		return "", fmt.Errorf("completion for template %s: %w", templateID, err)
	}
	c.collector.ObserveLLMCall(templateID, "ok", time.Since(start))

	text := resp.FirstText()
	if text == "" {
		return "", fmt.Errorf("empty completion for template %s", templateID)
	}

	c.logger.Debug("completion finished",
		zap.String("template_id", templateID),
		zap.String("provider", c.provider.Name()),
		zap.Duration("duration", time.Since(start)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	return text, nil
}
