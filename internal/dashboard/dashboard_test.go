package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
)

func startTestServer(t *testing.T, bus *events.Bus) *Server {
	t.Helper()

	server := NewServer(bus, &Config{
		Port:   0, // Use random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return server
}

func dialTestClient(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(nil, &Config{
		Port:   0,
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialTestClient(t, ctx, server)

	// Registration happens on the server side of the upgrade; poll
	// briefly rather than racing it.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	testData, _ := json.Marshal(PendingCountData{Pending: 7})
	server.Broadcast(Message{
		Type:      MessageTypePendingCount,
		Timestamp: time.Now(),
		Data:      testData,
	})

	received := readMessage(t, ctx, conn)
	if received.Type != MessageTypePendingCount {
		t.Errorf("Expected message type %s, got %s", MessageTypePendingCount, received.Type)
	}

	var data PendingCountData
	if err := json.Unmarshal(received.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal pending data: %v", err)
	}
	if data.Pending != 7 {
		t.Errorf("Expected 7 pending, got %d", data.Pending)
	}
}

func TestBusEventsReachClients(t *testing.T) {
	bus := events.New(log.New(os.Stderr, "[test-bus] ", log.LstdFlags))
	t.Cleanup(bus.Close)

	server := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	bus.Publish(events.Event{Type: events.TypeSyncingChanged, Payload: true})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncState {
		t.Errorf("Expected message type %s, got %s", MessageTypeSyncState, msg.Type)
	}

	var state SyncStateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to unmarshal sync state: %v", err)
	}
	if !state.Syncing {
		t.Error("Expected syncing=true")
	}

	bus.Publish(events.Event{Type: events.TypeRecordChanged, Table: "members"})

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeRecordChanged {
		t.Errorf("Expected message type %s, got %s", MessageTypeRecordChanged, msg.Type)
	}

	var record RecordChangedData
	if err := json.Unmarshal(msg.Data, &record); err != nil {
		t.Fatalf("Failed to unmarshal record data: %v", err)
	}
	if record.Table != "members" {
		t.Errorf("Expected table members, got %s", record.Table)
	}
}

func TestSnapshotReplayForLateClients(t *testing.T) {
	bus := events.New(log.New(os.Stderr, "[test-bus] ", log.LstdFlags))
	t.Cleanup(bus.Close)

	server := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First client observes the live event, which also proves the
	// server has cached it.
	first := dialTestClient(t, ctx, server)
	bus.Publish(events.Event{Type: events.TypePendingCount, Payload: 12})

	msg := readMessage(t, ctx, first)
	if msg.Type != MessageTypePendingCount {
		t.Fatalf("Expected message type %s, got %s", MessageTypePendingCount, msg.Type)
	}

	// A client connecting afterwards gets the cached count replayed
	// without waiting for the next change.
	late := dialTestClient(t, ctx, server)

	snapshot := readMessage(t, ctx, late)
	if snapshot.Type != MessageTypePendingCount {
		t.Fatalf("Expected snapshot type %s, got %s", MessageTypePendingCount, snapshot.Type)
	}

	var data PendingCountData
	if err := json.Unmarshal(snapshot.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	if data.Pending != 12 {
		t.Errorf("Expected 12 pending in snapshot, got %d", data.Pending)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dialTestClient(t, ctx, server)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != numClients && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}
