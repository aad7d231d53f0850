// Package config 统一配置加载,支持 YAML 文件 + 环境变量覆盖.
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("corag.yaml").
//	    WithEnvPrefix("CORAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
package config

import "time"

// Config 完整运行配置
type Config struct {
	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Embedding 向量化配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Retrieval 混合检索配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Grading 证据评估配置
	Grading GradingConfig `yaml:"grading" env:"GRADING"`

	// Rewrite 查询重写配置
	Rewrite RewriteConfig `yaml:"rewrite" env:"REWRITE"`

	// Tools 回退工具配置
	Tools ToolsConfig `yaml:"tools" env:"TOOLS"`

	// Synthesis 答案合成配置
	Synthesis SynthesisConfig `yaml:"synthesis" env:"SYNTHESIS"`

	// Pipeline 协调器配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Checkpoint 检查点存储配置
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// Provider 名称: openai 或兼容实现
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选,兼容自建网关）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// EmbeddingConfig 向量化配置
type EmbeddingConfig struct {
	// Provider 名称: openai 或 hash（离线/测试）
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RetrievalConfig 混合检索配置
type RetrievalConfig struct {
	// Backend 向量存储后端: memory, pgvector
	Backend string `yaml:"backend" env:"BACKEND"`
	// Postgres DSN（pgvector 后端）
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	// 最终返回条数
	K int `yaml:"k" env:"K"`
	// 融合前每路候选条数
	FetchK int `yaml:"fetch_k" env:"FETCH_K"`
	// RRF 常数
	RRFConstant int `yaml:"rrf_constant" env:"RRF_CONSTANT"`
	// 稠密通道权重
	DenseWeight float64 `yaml:"dense_weight" env:"DENSE_WEIGHT"`
	// 稀疏通道权重
	SparseWeight float64 `yaml:"sparse_weight" env:"SPARSE_WEIGHT"`
	// MMR 相关性/多样性平衡
	MMRLambda float64 `yaml:"mmr_lambda" env:"MMR_LAMBDA"`
	// 向量存储调用超时
	StoreTimeout time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	// 查询向量化超时
	EmbedTimeout time.Duration `yaml:"embed_timeout" env:"EMBED_TIMEOUT"`
}

// GradingConfig 证据评估配置
type GradingConfig struct {
	// 并发评估上限
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// RewriteConfig 查询重写配置
type RewriteConfig struct {
	// 单线程重写预算
	MaxRewrites int `yaml:"max_rewrites" env:"MAX_REWRITES"`
	// 是否启用重写缓存
	EnableCache bool `yaml:"enable_cache" env:"ENABLE_CACHE"`
	// 缓存条目存活时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// ToolsConfig 回退工具配置
type ToolsConfig struct {
	// 单工具调用超时
	ToolTimeout time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	// 每工具每秒调用数,0 表示不限
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 突发额度
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
	// 工具结果缓存
	EnableCache bool          `yaml:"enable_cache" env:"ENABLE_CACHE"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// SearxNG 兼容搜索端点,空则不启用网络搜索
	SearxBaseURL string `yaml:"searx_base_url" env:"SEARX_BASE_URL"`
	// 网络搜索最大结果数
	WebMaxResults int `yaml:"web_max_results" env:"WEB_MAX_RESULTS"`
}

// SynthesisConfig 答案合成配置
type SynthesisConfig struct {
	// 证据部分 token 预算
	MaxEvidenceTokens int `yaml:"max_evidence_tokens" env:"MAX_EVIDENCE_TOKENS"`
	// token 计数模型
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// PipelineConfig 协调器配置
type PipelineConfig struct {
	// 每轮检索目标条数
	K int `yaml:"k" env:"K"`
	// 充分性门槛: K 达到 SufficiencyK 时要求的最少相关条数
	MinRelevant  int `yaml:"min_relevant" env:"MIN_RELEVANT"`
	SufficiencyK int `yaml:"sufficiency_k" env:"SUFFICIENCY_K"`
	// 状态转换安全上限
	MaxTransitions int `yaml:"max_transitions" env:"MAX_TRANSITIONS"`
}

// CheckpointConfig 检查点存储配置
type CheckpointConfig struct {
	// Backend: memory, redis, sqlite, mongodb
	Backend string `yaml:"backend" env:"BACKEND"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"ADDR"`
		Password string        `yaml:"password" env:"PASSWORD"`
		DB       int           `yaml:"db" env:"DB"`
		Prefix   string        `yaml:"prefix" env:"PREFIX"`
		TTL      time.Duration `yaml:"ttl" env:"TTL"`
	} `yaml:"redis" env:"REDIS"`

	SQLite struct {
		DSN string `yaml:"dsn" env:"DSN"`
	} `yaml:"sqlite" env:"SQLITE"`

	Mongo struct {
		URI        string `yaml:"uri" env:"URI"`
		Database   string `yaml:"database" env:"DATABASE"`
		Collection string `yaml:"collection" env:"COLLECTION"`
	} `yaml:"mongo" env:"MONGO"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	cfg := &Config{
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   1024,
			Timeout:     10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    time.Second,
		},
		Retrieval: RetrievalConfig{
			Backend:      "memory",
			K:            15,
			FetchK:       50,
			RRFConstant:  60,
			DenseWeight:  1.0,
			SparseWeight: 1.0,
			MMRLambda:    0.5,
			StoreTimeout: 2 * time.Second,
			EmbedTimeout: time.Second,
		},
		Grading: GradingConfig{
			Concurrency: 8,
		},
		Rewrite: RewriteConfig{
			MaxRewrites: 2,
			EnableCache: true,
			CacheTTL:    30 * time.Minute,
		},
		Tools: ToolsConfig{
			ToolTimeout:   5 * time.Second,
			RateLimit:     2,
			RateBurst:     4,
			EnableCache:   true,
			CacheTTL:      10 * time.Minute,
			WebMaxResults: 5,
		},
		Synthesis: SynthesisConfig{
			MaxEvidenceTokens: 4096,
			TokenizerModel:    "gpt-4o-mini",
		},
		Pipeline: PipelineConfig{
			K:              15,
			MinRelevant:    2,
			SufficiencyK:   10,
			MaxTransitions: 50,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "corag",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
	cfg.Checkpoint.Backend = "memory"
	cfg.Checkpoint.Redis.Prefix = "corag"
	cfg.Checkpoint.Redis.TTL = 24 * time.Hour
	cfg.Checkpoint.SQLite.DSN = "corag_checkpoints.db"
	cfg.Checkpoint.Mongo.Database = "corag"
	cfg.Checkpoint.Mongo.Collection = "pipeline_checkpoints"
	return cfg
}
