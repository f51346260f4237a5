package orderer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"ordererServer/backend/internal/protocol"
	"ordererServer/backend/internal/store"
)

// Reserver 把文档租给某个节点（reservation 包实现）。
// 单机部署不配置，Manager 直接本地创建。
type Reserver interface {
	Reserve(ctx context.Context, tenantID, documentID, nodeID string, ttl time.Duration) error
	Renew(ctx context.Context, tenantID, documentID, nodeID string, ttl time.Duration) error
}

type ManagerOptions struct {
	Reserver       Reserver // nil 表示单机
	NodeID         string
	LeaseTTL       time.Duration
	MaxMessageSize int
	ServiceConfig  protocol.ServiceConfiguration
}

// Manager 按 (tenantId, documentId) 解析 Orderer，首次引用时创建并缓存。
// 进程内同一文档至多一个存活实例。
type Manager struct {
	deltas     store.DeltaCollection
	documents  store.DocumentCollection
	room       RoomBroadcaster
	dispatcher OpDispatcher
	opt        ManagerOptions

	mu       sync.RWMutex
	orderers map[string]Orderer
}

func NewManager(deltas store.DeltaCollection, documents store.DocumentCollection, room RoomBroadcaster, dispatcher OpDispatcher, opt ManagerOptions) *Manager {
	if opt.MaxMessageSize <= 0 {
		opt.MaxMessageSize = 16 * 1024
	}
	if opt.LeaseTTL <= 0 {
		opt.LeaseTTL = 60 * time.Second
	}
	return &Manager{
		deltas:     deltas,
		documents:  documents,
		room:       room,
		dispatcher: dispatcher,
		opt:        opt,
		orderers:   make(map[string]Orderer),
	}
}

// Get 返回文档的 Orderer。并发首调用不会重复创建（先读锁查缓存，
// 未命中再写锁双检，同 getOrCreateDoc 的套路）。
func (m *Manager) Get(ctx context.Context, tenantID, documentID string) (Orderer, error) {
	key := fmt.Sprintf("%s/%s", tenantID, documentID)

	m.mu.RLock()
	o := m.orderers[key]
	m.mu.RUnlock()
	if o != nil && !o.IsClosed() {
		return o, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o = m.orderers[key]; o != nil && !o.IsClosed() {
		return o, nil
	}
	// 多节点部署先拿租约，拿不到说明文档归别的节点管
	if m.opt.Reserver != nil {
		if err := m.opt.Reserver.Reserve(ctx, tenantID, documentID, m.opt.NodeID, m.opt.LeaseTTL); err != nil {
			return nil, err
		}
	}
	local, err := newLocalOrderer(ctx, tenantID, documentID, m.deltas, m.documents, m.room, m.dispatcher, m.opt.MaxMessageSize, m.opt.ServiceConfig)
	if err != nil {
		return nil, err
	}
	m.orderers[key] = local
	return local, nil
}

// HasPendingWork 只对实现了 PendingWorkReporter 的变体做能力检查，
// 不做具体类型断言
func (m *Manager) HasPendingWork() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orderers {
		if r, ok := o.(PendingWorkReporter); ok && r.HasPendingWork() {
			return true
		}
	}
	return false
}

// Close 排空关闭所有 Orderer
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, o := range m.orderers {
		o.Close()
		delete(m.orderers, key)
	}
}

// StartLeaseRenewal 后台按 interval 续约本节点持有的全部文档租约。
// 续约失败只记日志：租约过期即交给别的节点接管，不是错误。
func (m *Manager) StartLeaseRenewal(ctx context.Context, interval time.Duration) {
	if m.opt.Reserver == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.renewAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) renewAll(ctx context.Context) {
	m.mu.RLock()
	live := make([]Orderer, 0, len(m.orderers))
	for _, o := range m.orderers {
		if !o.IsClosed() {
			live = append(live, o)
		}
	}
	m.mu.RUnlock()
	for _, o := range live {
		id, ok := o.(DocumentIdentity)
		if !ok {
			continue
		}
		if err := m.opt.Reserver.Renew(ctx, id.TenantID(), id.DocumentID(), m.opt.NodeID, m.opt.LeaseTTL); err != nil {
			log.Printf("lease renew failed for %s/%s: %v", id.TenantID(), id.DocumentID(), err)
		}
	}
}
