package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/corag/evidence"
)

// ErrCheckpointNotFound 检查点不存在
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint 管线执行检查点
// 每次状态转换前持久化,包含恢复执行所需的全部工作状态.
type Checkpoint struct {
	ID            string                `json:"id"`
	ThreadID      string                `json:"thread_id"`
	State         State                 `json:"state"`
	Query         evidence.Query        `json:"query"`
	Evidence      *evidence.Set         `json:"evidence"`
	Draft         evidence.AnswerDraft  `json:"draft"`
	LoopIteration int                   `json:"loop_iteration"` // 同一线程内单调递增
	Degraded      bool                  `json:"degraded"`       // 稀疏检索失败后的降级模式
	FailureReason FailureReason         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	ParentID      string                `json:"parent_id,omitempty"`
}

// newCheckpointID 生成检查点 ID
func newCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}

// CheckpointStore 检查点存储接口
type CheckpointStore interface {
	// Save 保存检查点
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load 加载检查点
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// LoadLatest 加载线程最新检查点
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List 按时间倒序列出线程检查点
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// DeleteThread 删除整个线程的检查点
	DeleteThread(ctx context.Context, threadID string) error

	// Close 释放底层连接
	Close() error
}

// ====== 内存实现 ======

// MemoryCheckpointStore 进程内检查点存储,用于测试与单机场景.
type MemoryCheckpointStore struct {
	byID     map[string]*Checkpoint
	byThread map[string][]string // thread_id -> checkpoint IDs, append order
	mu       sync.RWMutex
}

// NewMemoryCheckpointStore 创建内存检查点存储
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		byID:     make(map[string]*Checkpoint),
		byThread: make(map[string][]string),
	}
}

// Save 保存检查点
func (s *MemoryCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := snapshotCheckpoint(checkpoint)
	if _, exists := s.byID[cp.ID]; !exists {
		s.byThread[cp.ThreadID] = append(s.byThread[cp.ThreadID], cp.ID)
	}
	s.byID[cp.ID] = cp
	return nil
}

// Load 加载检查点
func (s *MemoryCheckpointStore) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.byID[checkpointID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return snapshotCheckpoint(cp), nil
}

// LoadLatest 加载线程最新检查点
func (s *MemoryCheckpointStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	list, err := s.List(ctx, threadID, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return list[0], nil
}

// List 按保存时间倒序列出检查点
func (s *MemoryCheckpointStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// 保存顺序即时间顺序,倒序返回
	ids := s.byThread[threadID]
	checkpoints := make([]*Checkpoint, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(checkpoints) >= limit {
			break
		}
		checkpoints = append(checkpoints, snapshotCheckpoint(s.byID[ids[i]]))
	}
	return checkpoints, nil
}

// snapshotCheckpoint 复制检查点并深拷贝证据集.
// JSON 后端天然隔离,内存后端必须显式切断与调用方的共享.
func snapshotCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	if cp.Evidence != nil {
		out.Evidence = cp.Evidence.Clone()
	}
	return &out
}

// DeleteThread 删除线程检查点
func (s *MemoryCheckpointStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byThread[threadID] {
		delete(s.byID, id)
	}
	delete(s.byThread, threadID)
	return nil
}

// Close 无资源可释放
func (s *MemoryCheckpointStore) Close() error { return nil }
