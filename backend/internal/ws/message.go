package ws

import (
	"encoding/json"

	"ordererServer/backend/internal/protocol"
)

// 客户端入站消息。type 决定哪些字段有效，每个变体一个 handler。
type ClientMessage struct {
	Type string `json:"type"`
	// connect_document
	Connect *protocol.ConnectRequest `json:"connect,omitempty"`
	// submitOp / submitContent / submitSignal 携带握手时分配的 clientId
	ClientID string `json:"clientId,omitempty"`
	// submitOp：每个元素是单个 op 或 op 数组（嵌套批）
	Batches []json.RawMessage `json:"batches,omitempty"`
	// submitContent
	Content *protocol.ContentMessage `json:"content,omitempty"`
	// submitSignal
	Signals []json.RawMessage `json:"signals,omitempty"`
}

// 入站消息类型
const (
	MsgConnectDocument = "connect_document"
	MsgSubmitOp        = "submitOp"
	MsgSubmitContent   = "submitContent"
	MsgSubmitSignal    = "submitSignal"
)

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 隐式实现（继承） OutboundMessage 接口
func (m ConnectSuccessMessage) MessageType() string { return m.Type }
func (m ConnectErrorMessage) MessageType() string   { return m.Type }
func (m RoomEventMessage) MessageType() string      { return m.Type }
func (m ErrorMessage) MessageType() string          { return m.Type }
func (m ServerMessage) MessageType() string         { return m.Type }

type ConnectSuccessMessage struct {
	Type      string             `json:"type"` // 固定 "connect_document_success"
	Connected protocol.Connected `json:"connected"`
}

type ConnectErrorMessage struct {
	Type   string `json:"type"` // 固定 "connect_document_error"
	Reason string `json:"reason"`
}

// 房间内广播的事件："op"（定序结果）、"op-content"、"signal"
type RoomEventMessage struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Payload any    `json:"payload"`
}

// 针对单次调用的拒绝，只回给调用方，从不广播
type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// 错误码
const (
	CodeUnknownClient = "UNKNOWN_CLIENT"
	CodeWriteFailed   = "WRITE_FAILED"
	CodeTooBusy       = "TOO_BUSY"
)
