package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"ordererServer/backend/internal/auth"
	"ordererServer/backend/internal/orderer"
	"ordererServer/backend/internal/protocol"
	"ordererServer/backend/internal/store"
)

// 握手（验签+版本协商）超时。批次一旦被接收就没有超时。
const connectTimeout = 5 * time.Second

// 只读客户端的降级配置：不能发操作，收广播即可
const readonlyMaxMessageSize = 1024

var defaultServiceConfiguration = protocol.ServiceConfiguration{
	BlockSize:      64436,
	MaxMessageSize: 16 * 1024,
	Summary: protocol.SummaryConfiguration{
		IdleTime: 5000,
		MaxOps:   1000,
		MaxTime:  5000 * 12,
	},
}

// 网关套接字抽象，*websocket.Conn 天然满足
type wsSocket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Conn struct {
	ws  wsSocket
	hub *Hub
	gw  *Gateway
	// chan是 Go 的“通道”（channel），出站消息都先进队列由写循环消费。
	// 入队和关闭都在 sendMu 里做：广播方可能拿着房间快照晚于 Leave 才入队，
	// 不能让它撞上已关闭的通道
	sendMu     sync.Mutex
	send       chan OutboundMessage
	sendClosed bool

	// 本连接上握手成功的 clientId -> Orderer 连接。
	// 只读客户端不占 Orderer 连接，所以只出现在 clientRooms 里。
	connections map[string]*orderer.Connection
	// clientId -> roomID（tenantId/documentId）
	clientRooms map[string]string
}

func NewConn(ws wsSocket, hub *Hub, gw *Gateway) *Conn {
	return &Conn{
		ws:          ws,
		hub:         hub,
		gw:          gw,
		send:        make(chan OutboundMessage, 32),
		connections: make(map[string]*orderer.Connection),
		clientRooms: make(map[string]string),
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
	}
}

// closeSend 幂等关闭出站通道，写循环随之退出。
// 与 SendMessage_Enqueue 互斥，迟到的广播只会被丢弃而不是写进已关闭的通道。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.teardown()
		c.closeSend()
	}()
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			return
		}
		switch clientMessage.Type {
		case MsgConnectDocument:
			c.handleConnectDocument(ctx, clientMessage)
		case MsgSubmitOp:
			c.handleSubmitOp(ctx, clientMessage)
		case MsgSubmitContent:
			c.handleSubmitContent(ctx, clientMessage)
		case MsgSubmitSignal:
			c.handleSubmitSignal(clientMessage)
		default:
			// 忽略未知类型，回一条提示
			c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

// teardown 幂等清理：断开全部 Orderer 连接、退出全部房间
func (c *Conn) teardown() {
	for clientID, conn := range c.connections {
		conn.Disconnect()
		delete(c.connections, clientID)
	}
	for clientID, roomID := range c.clientRooms {
		c.hub.Leave(roomID, c)
		delete(c.clientRooms, clientID)
	}
}

// rollbackJoin 撤销失败握手占下的房间位。
// 同一个套接字可以握手多个 clientId：只有当没有别的 clientId
// 还映射到这个房间时才真正 Leave，否则会把健康的同房间客户端也踢聋
func (c *Conn) rollbackJoin(clientID, roomID string) {
	delete(c.clientRooms, clientID)
	for _, r := range c.clientRooms {
		if r == roomID {
			return
		}
	}
	c.hub.Leave(roomID, c)
}

func (c *Conn) handleConnectDocument(ctx context.Context, msg ClientMessage) {
	if msg.Connect == nil {
		c.SendMessage_Enqueue(ConnectErrorMessage{Type: "connect_document_error", Reason: "missing connect payload"})
		return
	}
	req := *msg.Connect

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	claims, err := c.gw.validator.Validate(connectCtx, req)
	if err != nil {
		c.SendMessage_Enqueue(ConnectErrorMessage{Type: "connect_document_error", Reason: "Invalid claims"})
		return
	}

	version, err := NegotiateVersion(req.Versions)
	if err != nil {
		c.SendMessage_Enqueue(ConnectErrorMessage{Type: "connect_document_error", Reason: err.Error()})
		return
	}

	clientID := uuid.NewString()

	// 客户端自述信息合并上令牌里的身份与权限
	client := req.Client
	if client == nil {
		client = &protocol.ClientDetails{}
	}
	client.User = claims.User
	client.Scopes = claims.Scopes

	// 先进房间收信号
	roomID := claims.TenantID + "/" + claims.DocumentID
	c.clientRooms[clientID] = roomID
	c.hub.Join(roomID, c)

	if auth.CanWrite(claims.Scopes) {
		ord, err := c.gw.orderers.Get(connectCtx, claims.TenantID, claims.DocumentID)
		if err != nil {
			c.rollbackJoin(clientID, roomID)
			c.SendMessage_Enqueue(ConnectErrorMessage{Type: "connect_document_error", Reason: err.Error()})
			return
		}
		conn, err := ord.Connect(c.ws, clientID, client)
		if err != nil {
			c.rollbackJoin(clientID, roomID)
			c.SendMessage_Enqueue(ConnectErrorMessage{Type: "connect_document_error", Reason: err.Error()})
			return
		}
		c.connections[clientID] = conn

		c.SendMessage_Enqueue(ConnectSuccessMessage{
			Type: "connect_document_success",
			Connected: protocol.Connected{
				ClientID:             clientID,
				Claims:               claims,
				Existing:             conn.Existing(),
				MaxMessageSize:       conn.MaxMessageSize(),
				ParentBranch:         conn.ParentBranch(),
				ServiceConfiguration: conn.ServiceConfiguration(),
				SupportedVersions:    []string{ProtocolVersion},
				Version:              version,
			},
		})
		return
	}

	// 只读客户端不参与定序，不分配 Orderer 连接，
	// 回一份固定的降级配置（只能打开已存在的文档）
	c.SendMessage_Enqueue(ConnectSuccessMessage{
		Type: "connect_document_success",
		Connected: protocol.Connected{
			ClientID:             clientID,
			Claims:               claims,
			Existing:             true,
			MaxMessageSize:       readonlyMaxMessageSize,
			ServiceConfiguration: defaultServiceConfiguration,
			SupportedVersions:    []string{ProtocolVersion},
			Version:              version,
		},
	})
}

func (c *Conn) handleSubmitOp(ctx context.Context, msg ClientMessage) {
	conn, ok := c.connections[msg.ClientID]
	if !ok {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeUnknownClient, Message: "Invalid client ID"})
		return
	}

	for _, raw := range msg.Batches {
		ops := flattenBatch(raw)
		// 协议保留的往返探测操作不进定序
		filtered := ops[:0]
		for _, op := range ops {
			if op.Type != protocol.RoundTrip {
				filtered = append(filtered, op)
			}
		}
		if len(filtered) == 0 {
			// 过滤后为空不是错误，静默跳过
			continue
		}

		// 入场限流：只限提交的接收，批次进了 Order 就不再有超时
		acquireCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err := c.gw.sem.Acquire(acquireCtx)
		cancel()
		if err != nil {
			c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeTooBusy, Message: err.Error()})
			return
		}
		err = conn.Order(ctx, filtered)
		_ = c.gw.sem.Release()
		if err != nil {
			if errors.Is(err, orderer.ErrClientDisconnected) || errors.Is(err, orderer.ErrOrdererClosed) {
				c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeUnknownClient, Message: err.Error()})
				return
			}
			log.Printf("order failed for client %s: %v", msg.ClientID, err)
			c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeWriteFailed, Message: "Could not order operations"})
			return
		}
	}
}

func (c *Conn) handleSubmitContent(ctx context.Context, msg ClientMessage) {
	conn, hasConn := c.connections[msg.ClientID]
	roomID, hasRoom := c.clientRooms[msg.ClientID]
	if !hasConn || !hasRoom || msg.Content == nil {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeUnknownClient, Message: "Invalid client ID"})
		return
	}

	broadcast := protocol.ContentMessage{
		ClientID:             msg.ClientID,
		ClientSequenceNumber: msg.Content.ClientSequenceNumber,
		Contents:             msg.Content.Contents,
	}
	rec := store.ContentRecord{
		TenantID:             conn.TenantID(),
		DocumentID:           conn.DocumentID(),
		ClientID:             msg.ClientID,
		ClientSequenceNumber: msg.Content.ClientSequenceNumber,
		Op:                   broadcast,
	}
	if err := c.gw.contents.InsertOne(ctx, rec); err != nil {
		// 唯一键冲突说明是客户端重试写重了，静默吞掉，也不再次广播
		if errors.Is(err, store.ErrDuplicate) {
			return
		}
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeWriteFailed, Message: "Could not write to DB"})
		return
	}
	c.hub.BroadcastToRoom(roomID, "op-content", broadcast, c)
}

func (c *Conn) handleSubmitSignal(msg ClientMessage) {
	roomID, ok := c.clientRooms[msg.ClientID]
	if !ok {
		c.SendMessage_Enqueue(ErrorMessage{Type: "error", Code: CodeUnknownClient, Message: "Invalid client ID"})
		return
	}
	// 信号从不持久化、从不定序，逐条独立地发给整个房间
	for _, content := range msg.Signals {
		signal := protocol.SignalMessage{ClientID: msg.ClientID, Content: content}
		c.hub.EmitToRoom(roomID, "signal", signal)
	}
}

// flattenBatch 把“单个 op 或 op 数组”的原始 JSON 展平成 op 列表
func flattenBatch(raw json.RawMessage) []protocol.Operation {
	var ops []protocol.Operation
	if err := json.Unmarshal(raw, &ops); err == nil {
		return ops
	}
	var op protocol.Operation
	if err := json.Unmarshal(raw, &op); err == nil {
		return []protocol.Operation{op}
	}
	return nil
}
