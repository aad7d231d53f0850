package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCheckpointStore Redis 检查点存储
// 检查点按 ID 存为独立键,线程索引用有序集合维护,
// score 为保存序号,保证同一毫秒内多次保存仍有确定顺序.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// RedisStoreConfig Redis 存储配置
type RedisStoreConfig struct {
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// NewRedisCheckpointStore 创建 Redis 检查点存储
func NewRedisCheckpointStore(cfg RedisStoreConfig, logger *zap.Logger) *RedisCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "corag"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisCheckpointStore(client, cfg.Prefix, cfg.TTL, logger)
}

// NewRedisCheckpointStoreWithClient 复用既有客户端创建存储,测试用.
func NewRedisCheckpointStoreWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "corag"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return newRedisCheckpointStore(client, prefix, ttl, logger)
}

func newRedisCheckpointStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCheckpointStore {
	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

func (s *RedisCheckpointStore) checkpointKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.prefix, id)
}

func (s *RedisCheckpointStore) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, threadID)
}

// Save 保存检查点并更新线程索引
func (s *RedisCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := s.checkpointKey(checkpoint.ID)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	threadKey := s.threadKey(checkpoint.ThreadID)
	// 用当前索引长度做 score,保证保存顺序即排序顺序
	seq, err := s.client.ZCard(ctx, threadKey).Result()
	if err != nil {
		return fmt.Errorf("read thread index: %w", err)
	}
	if err := s.client.ZAdd(ctx, threadKey, redis.Z{
		Score:  float64(seq),
		Member: checkpoint.ID,
	}).Err(); err != nil {
		return fmt.Errorf("index checkpoint: %w", err)
	}
	if err := s.client.Expire(ctx, threadKey, s.ttl).Err(); err != nil {
		return fmt.Errorf("refresh thread index ttl: %w", err)
	}

	s.logger.Debug("checkpoint saved to redis",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("thread_id", checkpoint.ThreadID),
		zap.String("state", string(checkpoint.State)))
	return nil
}

// Load 加载检查点
func (s *RedisCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// LoadLatest 加载线程最新检查点
func (s *RedisCheckpointStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read thread index: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return s.Load(ctx, ids[0])
}

// List 按时间倒序列出线程检查点
func (s *RedisCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read thread index: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, ErrCheckpointNotFound) {
			continue // 数据键先于索引过期
		}
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// DeleteThread 删除线程的全部检查点与索引
func (s *RedisCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	threadKey := s.threadKey(threadID)
	ids, err := s.client.ZRange(ctx, threadKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read thread index: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(id))
	}
	keys = append(keys, threadKey)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close 关闭客户端连接
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}
