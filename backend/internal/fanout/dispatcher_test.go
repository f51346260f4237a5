package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ordererServer/backend/internal/protocol"
)

func TestDispatchSequenced_NeverBlocks(t *testing.T) {
	// 无 producer（单机模式）：sendOnce 直接成功，worker 清空队列
	d := NewDispatcher(nil, "", "node-a", nil, DispatcherOptions{
		QueueSize: 2,
		Workers:   1,
		MaxRetry:  0,
	})
	ops := []protocol.SequencedOperation{{SequenceNumber: 1}}

	done := make(chan struct{})
	go func() {
		// 超额投递：队列满时丢弃而不是阻塞定序临界区
		for i := 0; i < 100; i++ {
			d.DispatchSequenced("t1", "doc1", ops)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchSequenced blocked")
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	// 未持有时 Release 报错
	if err := s.Release(); err == nil {
		t.Fatal("Release without Acquire should fail")
	}

	// 满额时 Acquire 尊重超时
	old := MaxSemaphore
	MaxSemaphore = 1
	defer func() { MaxSemaphore = old }()
	s2 := NewSemaphoreControl()
	_ = s2.Acquire(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s2.Acquire(ctx); err == nil {
		t.Fatal("Acquire at capacity should time out")
	}
}

func TestSequencedOpEvent_RoundTrip(t *testing.T) {
	evt := SequencedOpEvent{
		EventType:  EventOpSequenced,
		NodeID:     "node-a",
		TenantID:   "t1",
		DocumentID: "doc1",
		Ops:        []protocol.SequencedOperation{{SequenceNumber: 42}},
	}
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var got SequencedOpEvent
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if got.NodeID != "node-a" || len(got.Ops) != 1 || got.Ops[0].SequenceNumber != 42 {
		t.Fatalf("round trip lost data: %+v", got)
	}
}
