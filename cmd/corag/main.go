// =============================================================================
// corag 主入口
// =============================================================================
// 自纠偏检索问答管线的命令行入口
//
// 使用方法:
//
//	corag ask --question "..." --docs ./corpus    # 索引语料并回答问题
//	corag ask --config corag.yaml --question "..."
//	corag version                                 # 显示版本信息
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/corag"
	"github.com/BaSui01/corag/config"
	"github.com/BaSui01/corag/internal/metrics"
	"github.com/BaSui01/corag/internal/telemetry"
	"github.com/BaSui01/corag/llm"
	"github.com/BaSui01/corag/llm/embedding"
	"github.com/BaSui01/corag/pipeline"
	"github.com/BaSui01/corag/retrieval"
	"github.com/BaSui01/corag/tools"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ask":
		runAsk(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runAsk 索引语料（可选）并执行一次完整问答
func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	question := fs.String("question", "", "Question to answer")
	threadID := fs.String("thread", "", "Thread ID (random when empty)")
	docsDir := fs.String("docs", "", "Directory of .txt/.md files to index before asking")
	k := fs.Int("k", 0, "Evidence count per retrieval (0 = config default)")
	maxRewrites := fs.Int("max-rewrites", -1, "Rewrite budget for this question (-1 = config default)")
	fs.Parse(args)

	if *question == "" {
		fmt.Fprintln(os.Stderr, "ask: --question is required")
		os.Exit(1)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting corag",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit))

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		if otelProviders != nil {
			_ = otelProviders.Shutdown(context.Background())
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		logger.Fatal("failed to build embedder", zap.Error(err))
	}

	store, err := buildVectorStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build vector store", zap.Error(err))
	}

	storeCfg := pipeline.StoreConfig{
		Backend: cfg.Checkpoint.Backend,
		Redis: pipeline.RedisStoreConfig{
			Addr:     cfg.Checkpoint.Redis.Addr,
			Password: cfg.Checkpoint.Redis.Password,
			DB:       cfg.Checkpoint.Redis.DB,
			Prefix:   cfg.Checkpoint.Redis.Prefix,
			TTL:      cfg.Checkpoint.Redis.TTL,
		},
		Mongo: pipeline.MongoStoreConfig{
			URI:        cfg.Checkpoint.Mongo.URI,
			Database:   cfg.Checkpoint.Mongo.Database,
			Collection: cfg.Checkpoint.Mongo.Collection,
		},
	}
	storeCfg.SQLite.DSN = cfg.Checkpoint.SQLite.DSN
	checkpoints, err := pipeline.NewCheckpointStore(ctx, storeCfg, logger)
	if err != nil {
		logger.Fatal("failed to open checkpoint store", zap.Error(err))
	}
	defer checkpoints.Close()

	opts := []corag.Option{
		corag.WithConfig(cfg),
		corag.WithProvider(llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})),
		corag.WithEmbedder(embedder),
		corag.WithVectorStore(store),
		corag.WithCheckpointStore(checkpoints),
		corag.WithCollector(collector),
		corag.WithLogger(logger),
	}
	if cfg.Tools.SearxBaseURL != "" {
		opts = append(opts, corag.WithTools(tools.NewWebSearchTool(
			tools.NewSearxProvider(tools.SearxConfig{BaseURL: cfg.Tools.SearxBaseURL}),
			cfg.Tools.WebMaxResults,
		)))
	}

	p, err := corag.New(opts...)
	if err != nil {
		logger.Fatal("failed to assemble pipeline", zap.Error(err))
	}

	if *docsDir != "" {
		if err := indexDirectory(ctx, store, embedder, *docsDir, logger); err != nil {
			logger.Fatal("failed to index documents", zap.Error(err))
		}
	}

	thread := *threadID
	if thread == "" {
		thread = uuid.NewString()
	}

	req := corag.Request{
		ThreadID: thread,
		Question: *question,
		K:        *k,
	}
	if *maxRewrites >= 0 {
		req.MaxRewrites = maxRewrites
	}
	resp, err := p.Run(ctx, req)
	if err != nil {
		logger.Fatal("pipeline run failed", zap.Error(err))
	}

	printResponse(resp)
	if resp.TerminalState != pipeline.StateDone {
		os.Exit(2)
	}
}

// buildEmbedder 按配置创建向量化提供者
func buildEmbedder(cfg *config.Config) (embedding.Provider, error) {
	switch cfg.Embedding.Provider {
	case "hash":
		return embedding.NewHashProvider(cfg.Embedding.Dimensions), nil
	case "", "openai":
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			BaseURL:    cfg.Embedding.BaseURL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedding.Provider)
	}
}

// buildVectorStore 按配置创建向量存储
func buildVectorStore(cfg *config.Config, logger *zap.Logger) (retrieval.VectorStore, error) {
	switch cfg.Retrieval.Backend {
	case "", "memory":
		return retrieval.NewInMemoryVectorStore(logger), nil
	case "pgvector":
		db, err := gorm.Open(postgres.Open(cfg.Retrieval.PostgresDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pgCfg := retrieval.DefaultPgVectorConfig()
		pgCfg.Dimensions = cfg.Embedding.Dimensions
		return retrieval.NewPgVectorStore(db, pgCfg, logger)
	default:
		return nil, fmt.Errorf("unknown retrieval backend: %s", cfg.Retrieval.Backend)
	}
}

// indexDirectory 将目录下的文本文件向量化后写入存储
func indexDirectory(ctx context.Context, store retrieval.VectorStore, embedder embedding.Provider, dir string, logger *zap.Logger) error {
	var docs []retrieval.Document
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			return nil
		}

		vec, err := embedding.EmbedOne(ctx, embedder, content)
		if err != nil {
			return fmt.Errorf("embed %s: %w", path, err)
		}
		docs = append(docs, retrieval.Document{
			ID:        path,
			Content:   content,
			Embedding: vec,
		})
		return nil
	})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no .txt/.md files found under %s", dir)
	}

	if err := store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	logger.Info("corpus indexed", zap.Int("documents", len(docs)), zap.String("dir", dir))
	return nil
}

// serveMetrics 暴露 Prometheus 指标端点
func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics endpoint stopped", zap.Error(err))
	}
}

// printResponse 输出问答结果
func printResponse(resp *pipeline.Response) {
	fmt.Printf("State:      %s\n", resp.TerminalState)
	if resp.FailureReason != "" {
		fmt.Printf("Failure:    %s\n", resp.FailureReason)
	}
	fmt.Printf("Validation: %s\n", resp.ValidationStatus)
	fmt.Printf("Rewrites:   %d\n", resp.RewriteCount)
	if resp.Degraded {
		fmt.Println("Degraded:   sparse retrieval unavailable, dense-only results")
	}
	if resp.AnswerText != "" {
		fmt.Printf("\n%s\n", resp.AnswerText)
	}
	if len(resp.Citations) > 0 {
		fmt.Println("\nSources:")
		for _, c := range resp.Citations {
			fmt.Printf("  - %s\n", c)
		}
	}
}

func printVersion() {
	fmt.Printf("corag %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`corag - self-correcting retrieval question answering

Usage:
  corag <command> [options]

Commands:
  ask       Answer a question over an indexed corpus
  version   Show version information
  help      Show this help message

Options for 'ask':
  --config <path>     Path to configuration file (YAML)
  --question <text>   Question to answer (required)
  --thread <id>       Thread ID for checkpointing (random when empty)
  --docs <dir>        Directory of .txt/.md files to index before asking
  --k <n>             Evidence count per retrieval

Examples:
  corag ask --question "how does hybrid retrieval work" --docs ./corpus
  corag ask --config /etc/corag/corag.yaml --question "..."
  corag version`)
}

// initLogger 按配置初始化 zap logger
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}
	zapCfg.DisableCaller = !cfg.EnableCaller

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
