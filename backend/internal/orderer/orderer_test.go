package orderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"ordererServer/backend/internal/protocol"
	"ordererServer/backend/internal/store"
)

type recordingRoom struct {
	mu     sync.Mutex
	events []roomEvent
}

type roomEvent struct {
	roomID  string
	event   string
	payload any
}

func (r *recordingRoom) EmitToRoom(roomID string, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, roomEvent{roomID: roomID, event: event, payload: payload})
}

type fakeSocket struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type failingDeltas struct {
	store.DeltaCollection
	failAppend bool
}

func (f *failingDeltas) AppendBatch(ctx context.Context, tenantID, documentID string, ops []protocol.SequencedOperation) error {
	if f.failAppend {
		return errors.New("disk on fire")
	}
	return f.DeltaCollection.AppendBatch(ctx, tenantID, documentID, ops)
}

func newTestOrderer(t *testing.T, deltas store.DeltaCollection) (*LocalOrderer, *recordingRoom) {
	t.Helper()
	room := &recordingRoom{}
	o, err := newLocalOrderer(context.Background(), "t1", "doc1", deltas, store.NewMemoryDocumentCollection(), room, nil, 16*1024, protocol.ServiceConfiguration{})
	if err != nil {
		t.Fatalf("newLocalOrderer error: %v", err)
	}
	return o, room
}

func op(clientID string, clientSeq uint64, contents string) protocol.Operation {
	return protocol.Operation{
		ClientID:             clientID,
		ClientSequenceNumber: clientSeq,
		Contents:             json.RawMessage(fmt.Sprintf("%q", contents)),
		Type:                 "op",
	}
}

func TestOrder_SequenceNumbersGaplessUnderConcurrency(t *testing.T) {
	deltas := store.NewMemoryDeltaCollection()
	o, _ := newTestOrderer(t, deltas)

	conn, err := o.Connect(&fakeSocket{}, "client-a", nil)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	const callers = 8
	const batchSize = 5
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			batch := make([]protocol.Operation, batchSize)
			for j := range batch {
				batch[j] = op(fmt.Sprintf("caller-%d", caller), uint64(j+1), "x")
			}
			if err := conn.Order(context.Background(), batch); err != nil {
				t.Errorf("Order error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := deltas.All(context.Background(), "t1", "doc1")
	if err != nil {
		t.Fatalf("All error: %v", err)
	}
	if len(all) != callers*batchSize {
		t.Fatalf("persisted %d ops, want %d", len(all), callers*batchSize)
	}
	// 严格递增无空洞
	for i, got := range all {
		if got.SequenceNumber != uint64(i+1) {
			t.Fatalf("op %d has sequenceNumber %d, want %d", i, got.SequenceNumber, i+1)
		}
	}
	// 同一调用内部顺序保持：每个 caller 的 clientSeq 在日志里单调递增
	lastByCaller := make(map[string]uint64)
	for _, got := range all {
		if got.ClientSequenceNumber <= lastByCaller[got.ClientID] {
			t.Fatalf("batch-internal order violated for %s: clientSeq %d after %d",
				got.ClientID, got.ClientSequenceNumber, lastByCaller[got.ClientID])
		}
		lastByCaller[got.ClientID] = got.ClientSequenceNumber
	}
}

func TestOrder_ResumesFromPersistedTail(t *testing.T) {
	deltas := store.NewMemoryDeltaCollection()
	o, _ := newTestOrderer(t, deltas)
	conn, _ := o.Connect(&fakeSocket{}, "client-a", nil)
	if err := conn.Order(context.Background(), []protocol.Operation{op("client-a", 1, "a"), op("client-a", 2, "b")}); err != nil {
		t.Fatalf("Order error: %v", err)
	}
	o.Close()

	// 重建（节点接管路径）：纯靠存储恢复，续着编号走
	o2, _ := newTestOrderer(t, deltas)
	conn2, _ := o2.Connect(&fakeSocket{}, "client-b", nil)
	if err := conn2.Order(context.Background(), []protocol.Operation{op("client-b", 1, "c")}); err != nil {
		t.Fatalf("Order error: %v", err)
	}
	all, _ := deltas.All(context.Background(), "t1", "doc1")
	if got := all[len(all)-1].SequenceNumber; got != 3 {
		t.Fatalf("sequenceNumber after restart = %d, want 3", got)
	}
}

func TestOrder_PersistFailureClosesAndForceDisconnects(t *testing.T) {
	deltas := &failingDeltas{DeltaCollection: store.NewMemoryDeltaCollection(), failAppend: true}
	o, room := newTestOrderer(t, deltas)
	socket := &fakeSocket{}
	conn, _ := o.Connect(socket, "client-a", nil)

	if err := conn.Order(context.Background(), []protocol.Operation{op("client-a", 1, "a")}); err == nil {
		t.Fatal("Order should fail when persistence fails")
	}
	if !o.IsClosed() {
		t.Fatal("orderer should be Closed after persistence failure")
	}
	if !socket.isClosed() {
		t.Fatal("held connections must be force-disconnected")
	}
	// 失败的批次不广播
	if len(room.events) != 0 {
		t.Fatalf("no events should be emitted, got %d", len(room.events))
	}
	// 关闭之后一律拒绝
	if err := conn.Order(context.Background(), []protocol.Operation{op("client-a", 2, "b")}); !errors.Is(err, ErrClientDisconnected) && !errors.Is(err, ErrOrdererClosed) {
		t.Fatalf("Order after close = %v, want closed/disconnected error", err)
	}
}

func TestDisconnect_DoesNotAffectOtherClients(t *testing.T) {
	deltas := store.NewMemoryDeltaCollection()
	o, room := newTestOrderer(t, deltas)
	connA, _ := o.Connect(&fakeSocket{}, "client-a", nil)
	connB, _ := o.Connect(&fakeSocket{}, "client-b", nil)

	if err := connB.Order(context.Background(), []protocol.Operation{op("client-b", 1, "b")}); err != nil {
		t.Fatalf("Order error: %v", err)
	}
	connA.Disconnect()
	connA.Disconnect() // 幂等

	if err := connA.Order(context.Background(), []protocol.Operation{op("client-a", 1, "a")}); !errors.Is(err, ErrClientDisconnected) {
		t.Fatalf("Order after disconnect = %v, want ErrClientDisconnected", err)
	}
	if err := connB.Order(context.Background(), []protocol.Operation{op("client-b", 2, "b2")}); err != nil {
		t.Fatalf("client B must be unaffected, got %v", err)
	}
	all, _ := deltas.All(context.Background(), "t1", "doc1")
	if len(all) != 2 {
		t.Fatalf("persisted %d ops, want 2", len(all))
	}
	if len(room.events) != 2 {
		t.Fatalf("emitted %d events, want 2", len(room.events))
	}
}

func TestOrderer_ExistingFlag(t *testing.T) {
	deltas := store.NewMemoryDeltaCollection()
	documents := store.NewMemoryDocumentCollection()
	room := &recordingRoom{}

	o1, err := newLocalOrderer(context.Background(), "t1", "doc1", deltas, documents, room, nil, 16*1024, protocol.ServiceConfiguration{})
	if err != nil {
		t.Fatalf("newLocalOrderer error: %v", err)
	}
	c1, _ := o1.Connect(&fakeSocket{}, "client-a", nil)
	if c1.Existing() {
		t.Fatal("first reference should report existing=false")
	}

	o2, err := newLocalOrderer(context.Background(), "t1", "doc1", deltas, documents, room, nil, 16*1024, protocol.ServiceConfiguration{})
	if err != nil {
		t.Fatalf("newLocalOrderer error: %v", err)
	}
	c2, _ := o2.Connect(&fakeSocket{}, "client-b", nil)
	if !c2.Existing() {
		t.Fatal("second reference should report existing=true")
	}
}

func TestOrder_EmptyBatchIsNoop(t *testing.T) {
	deltas := store.NewMemoryDeltaCollection()
	o, room := newTestOrderer(t, deltas)
	conn, _ := o.Connect(&fakeSocket{}, "client-a", nil)
	if err := conn.Order(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a silent no-op, got %v", err)
	}
	if len(room.events) != 0 {
		t.Fatalf("no events expected, got %d", len(room.events))
	}
}
