package fanout

import (
	"ordererServer/backend/internal/protocol"
)

// 跨节点分发的定序事件：别的节点消费后转发进各自的房间
type SequencedOpEvent struct {
	EventType  string                        `json:"eventType"` // 固定 "OP_SEQUENCED"
	NodeID     string                        `json:"nodeId"`    // 产生事件的节点，消费侧据此跳过自己的
	TenantID   string                        `json:"tenantId"`
	DocumentID string                        `json:"documentId"`
	Ops        []protocol.SequencedOperation `json:"ops"`
}

const EventOpSequenced = "OP_SEQUENCED"
