package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIConfig OpenAI 兼容端点配置
type OpenAIConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// OpenAIProvider 调用 OpenAI 兼容的 chat completions API.
// 任何暴露 /chat/completions 的网关都可直接接入.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIProvider 创建提供者
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name 返回提供者名称
func (p *OpenAIProvider) Name() string { return "openai" }

// openAIRequest OpenAI 线上请求体
type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Completion 执行一次补全调用
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Code: ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}

	endpoint := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Code: ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		code := ErrUpstreamError
		if ctx.Err() != nil {
			code = ErrUpstreamTimeout
		}
		return nil, &Error{Code: code, Message: err.Error(), Retryable: true, Provider: p.Name()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var parsed ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: err.Error(), Retryable: true, Provider: p.Name()}
	}
	return &parsed, nil
}

// mapHTTPError 将上游状态码映射为统一错误码
func mapHTTPError(status int, msg, provider string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, Retryable: true, Provider: provider}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Code: ErrUpstreamTimeout, Message: msg, Retryable: true, Provider: provider}
	case status >= 500:
		return &Error{Code: ErrUpstreamError, Message: msg, Retryable: true, Provider: provider}
	default:
		return &Error{Code: ErrInvalidRequest, Message: msg, Provider: provider}
	}
}

// readErrMsg 提取上游错误信息,兼容非 JSON 响应体.
func readErrMsg(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 2048))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(data))
}
