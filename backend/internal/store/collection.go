package store

import (
	"context"
	"errors"

	"ordererServer/backend/internal/protocol"
)

// 唯一键冲突：表示同一条记录被重复写入（客户端重试），上层按幂等处理
var ErrDuplicate = errors.New("DUPLICATE_ENTRY")

// 定序操作的持久化集合（append-only）。
// AppendBatch 必须整批原子：要么整批落盘，要么一条都不落。
type DeltaCollection interface {
	AppendBatch(ctx context.Context, tenantID, documentID string, ops []protocol.SequencedOperation) error
	// Tail 返回最后一条已持久化的 sequenceNumber；第二个返回值表示文档是否有记录
	Tail(ctx context.Context, tenantID, documentID string) (uint64, bool, error)
	// All 按 sequenceNumber 升序返回全部记录
	All(ctx context.Context, tenantID, documentID string) ([]protocol.SequencedOperation, error)
}

type ContentRecord struct {
	TenantID             string
	DocumentID           string
	ClientID             string
	ClientSequenceNumber uint64
	Op                   protocol.ContentMessage
}

// 内容消息集合。唯一键 (tenantId, documentId, clientId, clientSeq)，
// 冲突时返回 ErrDuplicate。
type ContentCollection interface {
	InsertOne(ctx context.Context, rec ContentRecord) error
	Count(ctx context.Context, tenantID, documentID string) (int64, error)
}

// 文档集合：首次引用时建档，返回文档此前是否已存在
type DocumentCollection interface {
	EnsureDocument(ctx context.Context, tenantID, documentID string) (existing bool, err error)
}
