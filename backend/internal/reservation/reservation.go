package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 租约被别的节点持有（或续约时已易主）。这不是故障：等它过期即可接管。
var ErrReservedElsewhere = errors.New("RESERVED_ELSEWHERE")

func reservationKey(tenantID, documentID string) string {
	return fmt.Sprintf("reservation:{%s/%s}", tenantID, documentID)
}

// 基于 redis 的租约：key 带 PX 过期，过期自动消失即可被任意节点重新认领。
// 同一文档同一时刻至多一个未过期持有者。
type RedisManager struct {
	rdb *redis.Client
}

func NewRedisManager(rdb *redis.Client) *RedisManager {
	return &RedisManager{rdb: rdb}
}

// 仅在 key 不存在（无人持有/已过期）或已是本节点持有时写入
var reserveScript = redis.NewScript(`
	-- KEYS[1] = reservation key
	-- ARGV[1] = nodeId
	-- ARGV[2] = ttl (ms)
	local cur = redis.call("GET", KEYS[1])
	if cur == false or cur == ARGV[1] then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
		return 1
	end
	return 0
`)

// 续约只允许当前持有者
var renewScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if cur == ARGV[1] then
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
		return 1
	end
	return 0
`)

func (m *RedisManager) Reserve(ctx context.Context, tenantID, documentID, nodeID string, ttl time.Duration) error {
	ok, err := reserveScript.Run(ctx, m.rdb,
		[]string{reservationKey(tenantID, documentID)},
		nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrReservedElsewhere
	}
	return nil
}

func (m *RedisManager) Renew(ctx context.Context, tenantID, documentID, nodeID string, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, m.rdb,
		[]string{reservationKey(tenantID, documentID)},
		nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrReservedElsewhere
	}
	return nil
}

// Holder 返回当前持有者，没有则为空串
func (m *RedisManager) Holder(ctx context.Context, tenantID, documentID string) (string, error) {
	val, err := m.rdb.Get(ctx, reservationKey(tenantID, documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

type memoryLease struct {
	nodeID   string
	expireAt time.Time
}

// 内存版租约：测试与单机模式使用，语义与 redis 版一致
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]memoryLease), now: time.Now}
}

func (m *MemoryManager) Reserve(ctx context.Context, tenantID, documentID, nodeID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reservationKey(tenantID, documentID)
	cur, ok := m.leases[key]
	if ok && cur.nodeID != nodeID && cur.expireAt.After(m.now()) {
		return ErrReservedElsewhere
	}
	m.leases[key] = memoryLease{nodeID: nodeID, expireAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryManager) Renew(ctx context.Context, tenantID, documentID, nodeID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reservationKey(tenantID, documentID)
	cur, ok := m.leases[key]
	if !ok || cur.nodeID != nodeID || !cur.expireAt.After(m.now()) {
		return ErrReservedElsewhere
	}
	m.leases[key] = memoryLease{nodeID: nodeID, expireAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryManager) Holder(ctx context.Context, tenantID, documentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[reservationKey(tenantID, documentID)]
	if !ok || !cur.expireAt.After(m.now()) {
		return "", nil
	}
	return cur.nodeID, nil
}
