package protocol

import (
	"encoding/json"
	"time"
)

// 协议保留的往返探测操作类型，网关收到后直接过滤，不参与定序
const RoundTrip = "tripComplete"

// 客户端提交的原始操作。提交之后不可变，所有权移交给 Orderer。
type Operation struct {
	ClientID string `json:"clientId"`
	// 针对同一个 clientId 的“本地递增序号”
	ClientSequenceNumber uint64          `json:"clientSequenceNumber"`
	Contents             json.RawMessage `json:"contents"`
	Type                 string          `json:"type"`
}

// 服务端定序后的操作：同一文档内 sequenceNumber 严格递增且无空洞
type SequencedOperation struct {
	Operation
	SequenceNumber uint64    `json:"sequenceNumber"`
	Timestamp      time.Time `json:"timestamp"`
}

// 大操作拆分用的内容消息：会持久化，但不参与全局定序
type ContentMessage struct {
	ClientID             string          `json:"clientId"`
	ClientSequenceNumber uint64          `json:"clientSequenceNumber"`
	Contents             json.RawMessage `json:"contents"`
}

// 信号消息：只做房间广播，从不持久化、从不定序（光标/在线状态等）
type SignalMessage struct {
	ClientID string          `json:"clientId"`
	Content  json.RawMessage `json:"content"`
}

type SummaryConfiguration struct {
	IdleTime int `json:"idleTime"`
	MaxOps   int `json:"maxOps"`
	MaxTime  int `json:"maxTime"`
}

type ServiceConfiguration struct {
	BlockSize      int                  `json:"blockSize"`
	MaxMessageSize int                  `json:"maxMessageSize"`
	Summary        SummaryConfiguration `json:"summary"`
}

// 客户端在握手时自述的信息（类型/权限等），原样回传
type ClientDetails struct {
	Mode        string   `json:"mode,omitempty"`
	Permission  []string `json:"permission,omitempty"`
	Details     any      `json:"details,omitempty"`
	User        any      `json:"user,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	Environment string   `json:"environment,omitempty"`
}

// connect_document 请求
type ConnectRequest struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenantId"`
	Token    string         `json:"token"`
	Client   *ClientDetails `json:"client,omitempty"`
	// 客户端支持的协议版本区间列表，如 ["^0.1.0"]
	Versions []string `json:"versions"`
}

// connect_document_success 应答
type Connected struct {
	ClientID             string               `json:"clientId"`
	Claims               any                  `json:"claims"`
	Existing             bool                 `json:"existing"`
	MaxMessageSize       int                  `json:"maxMessageSize"`
	ParentBranch         string               `json:"parentBranch,omitempty"`
	ServiceConfiguration ServiceConfiguration `json:"serviceConfiguration"`
	SupportedVersions    []string             `json:"supportedVersions"`
	Version              string               `json:"version"`
}
