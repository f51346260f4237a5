package orderer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ordererServer/backend/internal/protocol"
	"ordererServer/backend/internal/store"
)

// 每文档 Orderer 的状态机
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateDraining
	StateClosed
)

var (
	ErrOrdererClosed      = errors.New("ORDERER_CLOSED")
	ErrClientDisconnected = errors.New("CLIENT_DISCONNECTED")
)

// 房间广播是外部协作方（ws.Hub 实现）
type RoomBroadcaster interface {
	EmitToRoom(roomID string, event string, payload any)
}

// 定序结果的跨节点分发（fanout.Dispatcher 实现），可为 nil
type OpDispatcher interface {
	DispatchSequenced(tenantID, documentID string, ops []protocol.SequencedOperation)
}

// 客户端套接字，Orderer 只在致命失败时需要强制断开它
type ClientSocket interface {
	Close() error
}

// Orderer 抽象：本地实现之外给远端代理等变体留位置
type Orderer interface {
	Connect(socket ClientSocket, clientID string, client *protocol.ClientDetails) (*Connection, error)
	IsClosed() bool
	Close()
}

// 可选能力接口：汇报“已接收但未定序落盘”的操作，用于排空检查
type PendingWorkReporter interface {
	HasPendingWork() bool
}

// 可选能力接口：报出自己管的是哪个文档，租约续期靠它找 key。
// 和 PendingWorkReporter 一样走能力检查，不对具体类型做断言
type DocumentIdentity interface {
	TenantID() string
	DocumentID() string
}

// LocalOrderer 是单文档的定序器。
// 序列号分配 + 落盘在每文档互斥锁内完成，不同文档完全独立。
type LocalOrderer struct {
	tenantID   string
	documentID string
	roomID     string

	deltas     store.DeltaCollection
	room       RoomBroadcaster
	dispatcher OpDispatcher

	existing       bool
	maxMessageSize int
	parentBranch   string
	serviceConfig  protocol.ServiceConfiguration

	state   atomic.Int32
	pending atomic.Int64 // 已接收、尚未落盘的操作数

	mu    sync.Mutex // 定序临界区，同时保护 seq 与 conns
	seq   uint64
	conns map[*Connection]struct{}
}

// newLocalOrderer 冷启动：建档拿 existing 标记，从 deltas 尾部恢复序列号。
// 节点接管（租约过期后换主）走的也是这条路，状态只来自持久化存储。
func newLocalOrderer(
	ctx context.Context,
	tenantID, documentID string,
	deltas store.DeltaCollection,
	documents store.DocumentCollection,
	room RoomBroadcaster,
	dispatcher OpDispatcher,
	maxMessageSize int,
	serviceConfig protocol.ServiceConfiguration,
) (*LocalOrderer, error) {
	existing, err := documents.EnsureDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("ensure document: %w", err)
	}
	tail, _, err := deltas.Tail(ctx, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("read delta tail: %w", err)
	}
	o := &LocalOrderer{
		tenantID:       tenantID,
		documentID:     documentID,
		roomID:         fmt.Sprintf("%s/%s", tenantID, documentID),
		deltas:         deltas,
		room:           room,
		dispatcher:     dispatcher,
		existing:       existing,
		maxMessageSize: maxMessageSize,
		serviceConfig:  serviceConfig,
		seq:            tail,
		conns:          make(map[*Connection]struct{}),
	}
	o.state.Store(int32(StateActive))
	return o, nil
}

func (o *LocalOrderer) TenantID() string   { return o.tenantID }
func (o *LocalOrderer) DocumentID() string { return o.documentID }
func (o *LocalOrderer) RoomID() string     { return o.roomID }

func (o *LocalOrderer) IsClosed() bool {
	return State(o.state.Load()) == StateClosed
}

func (o *LocalOrderer) HasPendingWork() bool {
	return o.pending.Load() > 0
}

// Connect 为一个客户端建立到本 Orderer 的连接（每次握手一个）
func (o *LocalOrderer) Connect(socket ClientSocket, clientID string, client *protocol.ClientDetails) (*Connection, error) {
	if State(o.state.Load()) != StateActive {
		return nil, ErrOrdererClosed
	}
	c := &Connection{orderer: o, clientID: clientID, socket: socket, client: client}
	o.mu.Lock()
	o.conns[c] = struct{}{}
	o.mu.Unlock()
	return c, nil
}

// order 给整批操作分配连续序列号并原子落盘，然后发给房间和跨节点分发。
// 广播在锁内入队（房间发送走带缓冲通道，不会阻塞），保证观察顺序与序列号一致。
func (o *LocalOrderer) order(ctx context.Context, ops []protocol.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	o.pending.Add(int64(len(ops)))
	defer o.pending.Add(-int64(len(ops)))

	o.mu.Lock()
	defer o.mu.Unlock()
	if State(o.state.Load()) != StateActive {
		return ErrOrdererClosed
	}

	now := time.Now()
	sequenced := make([]protocol.SequencedOperation, len(ops))
	for i, op := range ops {
		o.seq++
		sequenced[i] = protocol.SequencedOperation{
			Operation:      op,
			SequenceNumber: o.seq,
			Timestamp:      now,
		}
	}

	if err := o.deltas.AppendBatch(ctx, o.tenantID, o.documentID, sequenced); err != nil {
		// 持久化失败对本实例是致命的：关闭并强断所有连接，
		// 下一任 owner 从存储尾部恢复
		log.Printf("orderer %s: append batch failed, closing: %v", o.roomID, err)
		o.closeLocked(true)
		return fmt.Errorf("append batch: %w", err)
	}

	o.room.EmitToRoom(o.roomID, "op", sequenced)
	if o.dispatcher != nil {
		o.dispatcher.DispatchSequenced(o.tenantID, o.documentID, sequenced)
	}
	return nil
}

// Close 排空关闭：先拒绝新批次，等在途批次出临界区，再关闭。
// 不强断客户端套接字。
func (o *LocalOrderer) Close() {
	o.state.CompareAndSwap(int32(StateActive), int32(StateDraining))
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked(false)
}

func (o *LocalOrderer) closeLocked(forceDisconnect bool) {
	if State(o.state.Load()) == StateClosed {
		return
	}
	o.state.Store(int32(StateClosed))
	for c := range o.conns {
		c.closed.Store(true)
		if forceDisconnect && c.socket != nil {
			_ = c.socket.Close()
		}
	}
	o.conns = make(map[*Connection]struct{})
}

// Connection 绑定一个客户端与它的 Orderer，1:1 于成功握手
type Connection struct {
	orderer  *LocalOrderer
	clientID string
	socket   ClientSocket
	client   *protocol.ClientDetails
	closed   atomic.Bool
}

func (c *Connection) ClientID() string   { return c.clientID }
func (c *Connection) TenantID() string   { return c.orderer.tenantID }
func (c *Connection) DocumentID() string { return c.orderer.documentID }
func (c *Connection) Existing() bool     { return c.orderer.existing }
func (c *Connection) MaxMessageSize() int {
	return c.orderer.maxMessageSize
}
func (c *Connection) ParentBranch() string { return c.orderer.parentBranch }
func (c *Connection) ServiceConfiguration() protocol.ServiceConfiguration {
	return c.orderer.serviceConfig
}

// Order 提交一批操作定序。断开后的连接不再接收新批次；
// 断开前已进入定序的在途批次照常落盘并广播。
func (c *Connection) Order(ctx context.Context, ops []protocol.Operation) error {
	if c.closed.Load() {
		return ErrClientDisconnected
	}
	return c.orderer.order(ctx, ops)
}

// Disconnect 幂等，可与在途 Order 并发调用
func (c *Connection) Disconnect() {
	if c.closed.Swap(true) {
		return
	}
	o := c.orderer
	o.mu.Lock()
	delete(o.conns, c)
	o.mu.Unlock()
}
