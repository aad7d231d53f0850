package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StoreConfig 检查点存储配置
type StoreConfig struct {
	// Backend 存储后端: memory / redis / sqlite / mongodb
	Backend string `json:"backend" yaml:"backend"`

	Redis  RedisStoreConfig `json:"redis" yaml:"redis"`
	SQLite struct {
		DSN string `json:"dsn" yaml:"dsn"`
	} `json:"sqlite" yaml:"sqlite"`
	Mongo MongoStoreConfig `json:"mongo" yaml:"mongo"`
}

// DefaultStoreConfig 返回默认配置
func DefaultStoreConfig() StoreConfig {
	cfg := StoreConfig{Backend: "memory"}
	cfg.SQLite.DSN = "corag_checkpoints.db"
	return cfg
}

// NewCheckpointStore 按配置创建检查点存储
func NewCheckpointStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (CheckpointStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCheckpointStore(), nil
	case "redis":
		return NewRedisCheckpointStore(cfg.Redis, logger), nil
	case "sqlite":
		return NewSQLiteCheckpointStore(cfg.SQLite.DSN, logger)
	case "mongodb", "mongo":
		return NewMongoCheckpointStore(ctx, cfg.Mongo, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint store backend: %s", cfg.Backend)
	}
}
