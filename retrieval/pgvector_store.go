package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PgVectorConfig Postgres/pgvector 存储配置
type PgVectorConfig struct {
	Table        string  `json:"table" yaml:"table"`
	Dimensions   int     `json:"dimensions" yaml:"dimensions"`
	DenseWeight  float64 `json:"dense_weight" yaml:"dense_weight"`   // Native hybrid dense weight
	SparseWeight float64 `json:"sparse_weight" yaml:"sparse_weight"` // Native hybrid sparse weight
	TextConfig   string  `json:"text_config" yaml:"text_config"`     // to_tsvector config, e.g. "english"
}

// DefaultPgVectorConfig 返回默认配置
func DefaultPgVectorConfig() PgVectorConfig {
	return PgVectorConfig{
		Table:        "corag_chunks",
		Dimensions:   1536,
		DenseWeight:  0.5,
		SparseWeight: 0.5,
		TextConfig:   "english",
	}
}

// chunkRow pgvector 表模型
type chunkRow struct {
	ID        string          `gorm:"type:text;primaryKey"`
	Content   string          `gorm:"type:text;not null"`
	Metadata  json.RawMessage `gorm:"type:jsonb"`
	Embedding pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
}

// PgVectorStore 基于 Postgres + pgvector 的向量存储.
// 稠密检索用余弦距离 (<=>),稀疏检索用 ts_rank,
// 并以加权和提供原生混合打分 (HybridSearcher).
type PgVectorStore struct {
	db     *gorm.DB
	config PgVectorConfig
	logger *zap.Logger
}

// NewPgVectorStore 创建 pgvector 存储并迁移表结构
func NewPgVectorStore(db *gorm.DB, config PgVectorConfig, logger *zap.Logger) (*PgVectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Table == "" {
		config.Table = DefaultPgVectorConfig().Table
	}
	if config.TextConfig == "" {
		config.TextConfig = "english"
	}

	s := &PgVectorStore{
		db:     db,
		config: config,
		logger: logger.With(zap.String("component", "pgvector_store")),
	}

	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("enable pgvector extension: %w", err)
	}
	if err := db.Table(config.Table).AutoMigrate(&chunkRow{}); err != nil {
		return nil, fmt.Errorf("migrate table %s: %w", config.Table, err)
	}
	return s, nil
}

// AddDocuments 批量写入文档
func (s *PgVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	rows := make([]chunkRow, 0, len(docs))
	for _, doc := range docs {
		var meta json.RawMessage
		if doc.Metadata != nil {
			data, err := json.Marshal(doc.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata for %s: %w", doc.ID, err)
			}
			meta = data
		}
		rows = append(rows, chunkRow{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  meta,
			Embedding: pgvector.NewVector(toFloat32(doc.Embedding)),
		})
	}

	if err := s.db.WithContext(ctx).Table(s.config.Table).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert documents: %w", err)
	}
	s.logger.Info("documents added to pgvector store", zap.Int("count", len(docs)))
	return nil
}

// DenseSearch 余弦相似度检索
// pgvector 的 <=> 是余弦距离,相似度 = 1 - 距离.
func (s *PgVectorStore) DenseSearch(ctx context.Context, queryEmbedding []float64, topK int) ([]SearchResult, error) {
	vec := pgvector.NewVector(toFloat32(queryEmbedding))

	var rows []struct {
		chunkRow
		Similarity float64
	}
	err := s.denseQuery(s.db.WithContext(ctx), vec, topK).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: dense search: %v", ErrStoreUnavailable, err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, SearchResult{Document: s.toDocument(row.chunkRow), Score: row.Similarity})
	}
	return results, nil
}

// denseQuery 构造按余弦距离升序的最近邻查询.
// Order 必须传 clause.OrderBy: gorm 对其他表达式类型不生成 ORDER BY.
func (s *PgVectorStore) denseQuery(db *gorm.DB, vec pgvector.Vector, topK int) *gorm.DB {
	return db.Table(s.config.Table).
		Select("*, 1 - (embedding <=> ?) AS similarity", vec).
		Order(clause.OrderBy{Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{vec}}}).
		Limit(topK)
}

// SparseSearch 基于 ts_rank 的词法检索
func (s *PgVectorStore) SparseSearch(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	var rows []struct {
		chunkRow
		Rank float64
	}
	err := s.db.WithContext(ctx).Table(s.config.Table).
		Select("*, ts_rank(to_tsvector(?::regconfig, content), plainto_tsquery(?::regconfig, ?)) AS rank",
			s.config.TextConfig, s.config.TextConfig, query).
		Where("to_tsvector(?::regconfig, content) @@ plainto_tsquery(?::regconfig, ?)",
			s.config.TextConfig, s.config.TextConfig, query).
		Order("rank DESC, id ASC").
		Limit(topK).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: sparse search: %v", ErrStoreUnavailable, err)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, SearchResult{Document: s.toDocument(row.chunkRow), Score: row.Rank})
	}
	return results, nil
}

// HybridSearch 原生混合打分: 归一化加权和,在单条 SQL 内完成.
func (s *PgVectorStore) HybridSearch(ctx context.Context, query string, queryEmbedding []float64, topK int) ([]HybridSearchResult, error) {
	vec := pgvector.NewVector(toFloat32(queryEmbedding))

	var rows []struct {
		chunkRow
		Similarity float64
		Rank       float64
		Fused      float64
	}
	err := s.db.WithContext(ctx).Table(s.config.Table).
		Select(`*,
			1 - (embedding <=> @vec) AS similarity,
			ts_rank(to_tsvector(@cfg::regconfig, content), plainto_tsquery(@cfg::regconfig, @q)) AS rank,
			@dw * (1 - (embedding <=> @vec)) + @sw * ts_rank(to_tsvector(@cfg::regconfig, content), plainto_tsquery(@cfg::regconfig, @q)) AS fused`,
			map[string]interface{}{
				"vec": vec,
				"cfg": s.config.TextConfig,
				"q":   query,
				"dw":  s.config.DenseWeight,
				"sw":  s.config.SparseWeight,
			}).
		Order("fused DESC, id ASC").
		Limit(topK).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: hybrid search: %v", ErrStoreUnavailable, err)
	}

	results := make([]HybridSearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, HybridSearchResult{
			Document:    s.toDocument(row.chunkRow),
			DenseScore:  row.Similarity,
			SparseScore: row.Rank,
			FusedScore:  row.Fused,
		})
	}
	return results, nil
}

// Count 返回文档数量
func (s *PgVectorStore) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Table(s.config.Table).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStoreUnavailable, err)
	}
	return int(count), nil
}

func (s *PgVectorStore) toDocument(row chunkRow) Document {
	var meta map[string]interface{}
	if len(row.Metadata) > 0 {
		// 解码失败时保留空元数据,不中断检索
		if err := json.Unmarshal(row.Metadata, &meta); err != nil {
			s.logger.Warn("failed to decode chunk metadata", zap.String("id", row.ID), zap.Error(err))
		}
	}
	return Document{
		ID:        row.ID,
		Content:   row.Content,
		Metadata:  meta,
		Embedding: toFloat64(row.Embedding.Slice()),
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
