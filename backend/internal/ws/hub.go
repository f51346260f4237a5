package ws

import (
	"sync"
)

// Hub 是房间注册表：roomID(tenantId/documentId) -> 当前加入的连接集合。
// 每个网关实例一份，随网关创建，断开时逐项清理，没有任何全局状态。
type Hub struct {
	// 读写锁，用来保护 rooms 在并发下安全访问。
	// 加入/离开房间、广播时都会先加锁。
	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定房间
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		// 房间里存的是连接而不是用户：一个用户可开多个标签页/设备（多连接），
		// 广播要逐连接发
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

// Leave 将连接从指定房间移除
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// snapshot 在读锁内把房间成员拷出来，迭代不能直接用内层 map：
// 出了锁之后它还会被 Join/Leave 并发改写
func (h *Hub) snapshot(roomID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[roomID]
	conns := make([]*Conn, 0, len(members))
	for c := range members {
		conns = append(conns, c)
	}
	return conns
}

// EmitToRoom 发给房间内所有连接（含发起方）。
// 实现 orderer.RoomBroadcaster / fanout.RoomEmitter。
func (h *Hub) EmitToRoom(roomID string, event string, payload any) {
	msg := RoomEventMessage{Type: event, RoomID: roomID, Payload: payload}
	for _, c := range h.snapshot(roomID) {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastToRoom 发给房间内除 except 外的连接（内容消息不用发回提交方）
func (h *Hub) BroadcastToRoom(roomID string, event string, payload any, except *Conn) {
	msg := RoomEventMessage{Type: event, RoomID: roomID, Payload: payload}
	for _, c := range h.snapshot(roomID) {
		if c == except {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}
