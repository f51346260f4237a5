package store

import (
	"context"
	"fmt"
	"sync"

	"ordererServer/backend/internal/protocol"
)

// 内存版集合：测试与单机模式使用，语义与 MySQL 版一致

type MemoryDeltaCollection struct {
	mu   sync.RWMutex
	docs map[string][]protocol.SequencedOperation
}

func NewMemoryDeltaCollection() *MemoryDeltaCollection {
	return &MemoryDeltaCollection{docs: make(map[string][]protocol.SequencedOperation)}
}

func docKey(tenantID, documentID string) string {
	return fmt.Sprintf("%s/%s", tenantID, documentID)
}

func (s *MemoryDeltaCollection) AppendBatch(ctx context.Context, tenantID, documentID string, ops []protocol.SequencedOperation) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(tenantID, documentID)
	s.docs[key] = append(s.docs[key], ops...)
	return nil
}

func (s *MemoryDeltaCollection) Tail(ctx context.Context, tenantID, documentID string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.docs[docKey(tenantID, documentID)]
	if len(ops) == 0 {
		return 0, false, nil
	}
	return ops[len(ops)-1].SequenceNumber, true, nil
}

func (s *MemoryDeltaCollection) All(ctx context.Context, tenantID, documentID string) ([]protocol.SequencedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ops := s.docs[docKey(tenantID, documentID)]
	out := make([]protocol.SequencedOperation, len(ops))
	copy(out, ops)
	return out, nil
}

type MemoryContentCollection struct {
	mu   sync.Mutex
	seen map[string]struct{}
	rows []ContentRecord
}

func NewMemoryContentCollection() *MemoryContentCollection {
	return &MemoryContentCollection{seen: make(map[string]struct{})}
}

func (s *MemoryContentCollection) InsertOne(ctx context.Context, rec ContentRecord) error {
	// 唯一键与 MySQL 表一致
	key := fmt.Sprintf("%s/%s/%s/%d", rec.TenantID, rec.DocumentID, rec.ClientID, rec.ClientSequenceNumber)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return ErrDuplicate
	}
	s.seen[key] = struct{}{}
	s.rows = append(s.rows, rec)
	return nil
}

func (s *MemoryContentCollection) Count(ctx context.Context, tenantID, documentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.rows {
		if rec.TenantID == tenantID && rec.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

type MemoryDocumentCollection struct {
	mu   sync.Mutex
	docs map[string]struct{}
}

func NewMemoryDocumentCollection() *MemoryDocumentCollection {
	return &MemoryDocumentCollection{docs: make(map[string]struct{})}
}

func (s *MemoryDocumentCollection) EnsureDocument(ctx context.Context, tenantID, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(tenantID, documentID)
	if _, ok := s.docs[key]; ok {
		return true, nil
	}
	s.docs[key] = struct{}{}
	return false, nil
}
