package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// mongoCheckpointDoc MongoDB 检查点文档
type mongoCheckpointDoc struct {
	CheckpointID string    `bson:"checkpoint_id"`
	ThreadID     string    `bson:"thread_id"`
	State        string    `bson:"state"`
	Seq          int64     `bson:"seq"`
	Payload      []byte    `bson:"payload"`
	CreatedAt    time.Time `bson:"created_at"`
}

// MongoStoreConfig MongoDB 存储配置
type MongoStoreConfig struct {
	URI        string `json:"uri" yaml:"uri"`
	Database   string `json:"database" yaml:"database"`
	Collection string `json:"collection" yaml:"collection"`
}

// MongoCheckpointStore MongoDB 检查点存储
type MongoCheckpointStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	seq        atomic.Int64 // 进程内保存序号,同一线程写入方唯一
	logger     *zap.Logger
}

// NewMongoCheckpointStore 连接并创建 MongoDB 检查点存储
func NewMongoCheckpointStore(ctx context.Context, cfg MongoStoreConfig, logger *zap.Logger) (*MongoCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Database == "" {
		cfg.Database = "corag"
	}
	if cfg.Collection == "" {
		cfg.Collection = "pipeline_checkpoints"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "checkpoint_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "seq", Value: -1}}},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create checkpoint indexes: %w", err)
	}

	store := &MongoCheckpointStore{
		client:     client,
		collection: collection,
		logger:     logger.With(zap.String("store", "mongo_checkpoint")),
	}
	store.seq.Store(time.Now().UnixNano())
	return store, nil
}

// Save 保存检查点
func (s *MongoCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	doc := mongoCheckpointDoc{
		CheckpointID: checkpoint.ID,
		ThreadID:     checkpoint.ThreadID,
		State:        string(checkpoint.State),
		Seq:          s.seq.Add(1),
		Payload:      payload,
		CreatedAt:    checkpoint.CreatedAt,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved to mongodb",
		zap.String("checkpoint_id", checkpoint.ID),
		zap.String("thread_id", checkpoint.ThreadID),
		zap.String("state", string(checkpoint.State)))
	return nil
}

// Load 加载检查点
func (s *MongoCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var doc mongoCheckpointDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "checkpoint_id", Value: checkpointID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return decodeMongoDoc(&doc)
}

// LoadLatest 加载线程最新检查点
func (s *MongoCheckpointStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})

	var doc mongoCheckpointDoc
	err := s.collection.FindOne(ctx, bson.D{{Key: "thread_id", Value: threadID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}
	return decodeMongoDoc(&doc)
}

// List 按保存序号倒序列出线程检查点
func (s *MongoCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, bson.D{{Key: "thread_id", Value: threadID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var checkpoints []*Checkpoint
	for cursor.Next(ctx) {
		var doc mongoCheckpointDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode checkpoint document: %w", err)
		}
		cp, err := decodeMongoDoc(&doc)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// DeleteThread 删除线程检查点
func (s *MongoCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.collection.DeleteMany(ctx, bson.D{{Key: "thread_id", Value: threadID}}); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Close 断开 MongoDB 连接
func (s *MongoCheckpointStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func decodeMongoDoc(doc *mongoCheckpointDoc) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(doc.Payload, &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", doc.CheckpointID, err)
	}
	return &checkpoint, nil
}
