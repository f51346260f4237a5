package fanout

import (
	"context"
	"encoding/json"
	"log"

	"github.com/IBM/sarama"
)

// 本地房间的投递口（ws.Hub 实现）
type RoomEmitter interface {
	EmitToRoom(roomID string, event string, payload any)
}

// Consumer 消费别的节点发出的定序事件，转发进本节点的房间。
// 自己发的事件（NodeID 相同）跳过：本地房间在定序时已经收到了。
type Consumer struct {
	group  sarama.ConsumerGroup
	topic  string
	nodeID string
	rooms  RoomEmitter
}

func NewConsumer(brokers []string, groupID, topic, nodeID string, rooms RoomEmitter) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: group, topic: topic, nodeID: nodeID, rooms: rooms}, nil
}

// Start 起消费循环直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
				log.Printf("fanout consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

func (c *Consumer) Close() error { return c.group.Close() }

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt SequencedOpEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			log.Printf("fanout: bad event at %s/%d/%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			session.MarkMessage(msg, "")
			continue
		}
		if evt.EventType == EventOpSequenced && evt.NodeID != c.nodeID {
			roomID := evt.TenantID + "/" + evt.DocumentID
			c.rooms.EmitToRoom(roomID, "op", evt.Ops)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
