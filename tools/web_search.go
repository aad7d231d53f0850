package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearchProvider defines the interface for web search backends.
// Implementations can wrap SerpAPI, Tavily, SearxNG, Google Custom Search, etc.
type WebSearchProvider interface {
	// Search performs a web search and returns results.
	Search(ctx context.Context, query string, maxResults int) ([]WebResult, error)
	// Name returns the provider name.
	Name() string
}

// WebResult 单条网络搜索结果
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// WebSearchTool 将 WebSearchProvider 适配为回退工具.
type WebSearchTool struct {
	provider   WebSearchProvider
	maxResults int
}

// NewWebSearchTool 创建网络搜索工具
func NewWebSearchTool(provider WebSearchProvider, maxResults int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{provider: provider, maxResults: maxResults}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Search(ctx context.Context, query string) ([]Result, error) {
	webResults, err := t.provider.Search(ctx, query, t.maxResults)
	if err != nil {
		return nil, fmt.Errorf("web search via %s: %w", t.provider.Name(), err)
	}

	results := make([]Result, 0, len(webResults))
	for _, wr := range webResults {
		content := wr.Content
		if content == "" {
			content = wr.Snippet
		}
		if content == "" {
			continue
		}
		results = append(results, Result{Content: content, Locator: wr.URL})
	}
	return results, nil
}

// ====== SearxNG 风格 HTTP 提供者 ======

// SearxConfig SearxNG 兼容搜索端点配置
type SearxConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// SearxProvider 调用 SearxNG 兼容的 JSON 搜索 API.
type SearxProvider struct {
	client  *http.Client
	baseURL string
}

// NewSearxProvider 创建提供者
func NewSearxProvider(cfg SearxConfig) *SearxProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &SearxProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (p *SearxProvider) Name() string { return "searx" }

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (p *SearxProvider) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", p.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search request failed: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]WebResult, 0, maxResults)
	for _, r := range parsed.Results {
		if len(results) >= maxResults {
			break
		}
		results = append(results, WebResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}
