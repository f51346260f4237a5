package reservation

import (
	"context"
	"log"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const nodeKeyPrefix = "node:alive:"

// NodeManager 维护节点存活记录：一个带 TTL 的心跳 key，不做任何共识，
// 失效判定完全依赖租约过期
type NodeManager struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewNodeManager(rdb *redis.Client, nodeID string, ttl time.Duration) *NodeManager {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &NodeManager{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func (n *NodeManager) NodeID() string { return n.nodeID }

// Register 写入本节点的存活记录（重复调用即刷新 TTL）
func (n *NodeManager) Register(ctx context.Context) error {
	return n.rdb.Set(ctx, nodeKeyPrefix+n.nodeID, time.Now().Unix(), n.ttl).Err()
}

// StartHeartbeat 后台续心跳，间隔取 TTL 的三分之一
func (n *NodeManager) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(n.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := n.Register(ctx); err != nil {
					log.Printf("node %s heartbeat failed: %v", n.nodeID, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// AliveNodes 扫描当前存活的节点 ID 列表
func (n *NodeManager) AliveNodes(ctx context.Context) ([]string, error) {
	var nodes []string
	iter := n.rdb.Scan(ctx, 0, nodeKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		nodes = append(nodes, strings.TrimPrefix(iter.Val(), nodeKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}
