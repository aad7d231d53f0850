package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// checkpointRecord 检查点关系表模型
// 工作状态整体序列化为 JSON payload,查询维度只有线程与序号.
type checkpointRecord struct {
	Seq          int64  `gorm:"primaryKey;autoIncrement"`
	CheckpointID string `gorm:"uniqueIndex;size:64;not null"`
	ThreadID     string `gorm:"index;size:128;not null"`
	State        string `gorm:"size:32;not null"`
	Payload      []byte `gorm:"not null"`
	CreatedAt    time.Time
}

func (checkpointRecord) TableName() string { return "pipeline_checkpoints" }

// GormCheckpointStore 基于 gorm 的检查点存储,默认 SQLite 后端.
type GormCheckpointStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteCheckpointStore 打开 SQLite 检查点存储,dsn 可为文件路径或 :memory:.
func NewSQLiteCheckpointStore(dsn string, logger *zap.Logger) (*GormCheckpointStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint store: %w", err)
	}
	return NewGormCheckpointStore(db, logger)
}

// NewGormCheckpointStore 复用既有 gorm 连接创建存储并迁移表结构.
func NewGormCheckpointStore(db *gorm.DB, logger *zap.Logger) (*GormCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoint table: %w", err)
	}
	return &GormCheckpointStore{
		db:     db,
		logger: logger.With(zap.String("store", "gorm_checkpoint")),
	}, nil
}

// Save 保存检查点
func (s *GormCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	record := checkpointRecord{
		CheckpointID: checkpoint.ID,
		ThreadID:     checkpoint.ThreadID,
		State:        string(checkpoint.State),
		Payload:      payload,
		CreatedAt:    checkpoint.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("thread_id", checkpoint.ThreadID),
		zap.String("state", string(checkpoint.State)))
	return nil
}

// Load 加载检查点
func (s *GormCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).First(&record, "checkpoint_id = ?", checkpointID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeRecord(&record)
}

// LoadLatest 加载线程最新检查点
func (s *GormCheckpointStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return decodeRecord(&record)
}

// List 按保存序号倒序列出线程检查点
func (s *GormCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	query := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []checkpointRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(records))
	for i := range records {
		cp, err := decodeRecord(&records[i])
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// DeleteThread 删除线程检查点
func (s *GormCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&checkpointRecord{}).Error; err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close 关闭底层连接
func (s *GormCheckpointStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeRecord(record *checkpointRecord) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(record.Payload, &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", record.CheckpointID, err)
	}
	return &checkpoint, nil
}
