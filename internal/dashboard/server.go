// Package dashboard provides a real-time WebSocket server for sync
// observability.
//
// The dashboard broadcasts queue depth, drain activity, network state
// changes and conflict detections to connected WebSocket clients, so
// an operator can watch an offline device reconcile without tailing
// logs.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/netmon"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeSyncState indicates a drain pass started or finished.
	MessageTypeSyncState MessageType = "sync_state"

	// MessageTypeNetworkState indicates connectivity changed.
	MessageTypeNetworkState MessageType = "network_state"

	// MessageTypePendingCount indicates the queue depth changed.
	MessageTypePendingCount MessageType = "pending_count"

	// MessageTypeRecordChanged indicates a table's records changed.
	MessageTypeRecordChanged MessageType = "record_changed"

	// MessageTypeConflictDetected indicates a conflict awaits manual
	// resolution.
	MessageTypeConflictDetected MessageType = "conflict_detected"

	// MessageTypeMutationDead indicates a mutation exhausted its
	// retries or failed fatally.
	MessageTypeMutationDead MessageType = "mutation_dead"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncStateData reports drain activity.
type SyncStateData struct {
	Syncing bool `json:"syncing"`
}

// PendingCountData reports queue depth.
type PendingCountData struct {
	Pending int `json:"pending"`
}

// RecordChangedData names the table whose records changed.
type RecordChangedData struct {
	Table string `json:"table"`
}

// Server manages WebSocket connections and broadcasts sync events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	bus      *events.Bus

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	// Last observed state, replayed to newly connected clients.
	lastMu      sync.RWMutex
	lastNetwork *netmon.State
	lastPending *int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on; 0 picks a random available port.
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8942,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a dashboard server fed by the event bus.
func NewServer(bus *events.Bus, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		bus:       bus,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server, the broadcast loop and the event bus
// subscription.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	if s.bus != nil {
		ch, unsubscribe := s.bus.Subscribe(
			events.TypeSyncingChanged,
			events.TypeNetworkChanged,
			events.TypePendingCount,
			events.TypeRecordChanged,
			events.TypeConflictDetected,
			events.TypeMutationDead,
		)
		s.wg.Add(1)
		go s.eventLoop(ch, unsubscribe)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// eventLoop translates bus events into dashboard messages.
func (s *Server) eventLoop(ch <-chan events.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg, ok := s.translate(ev); ok {
				s.Broadcast(msg)
			}
		}
	}
}

// translate maps one bus event onto a dashboard message, caching the
// pieces replayed to new clients.
func (s *Server) translate(ev events.Event) (Message, bool) {
	msg := Message{Timestamp: ev.Time}

	switch ev.Type {
	case events.TypeSyncingChanged:
		syncing, _ := ev.Payload.(bool)
		msg.Type = MessageTypeSyncState
		msg.Data = mustMarshal(SyncStateData{Syncing: syncing})

	case events.TypeNetworkChanged:
		state, ok := ev.Payload.(netmon.State)
		if !ok {
			return Message{}, false
		}
		s.lastMu.Lock()
		s.lastNetwork = &state
		s.lastMu.Unlock()
		msg.Type = MessageTypeNetworkState
		msg.Data = mustMarshal(state)

	case events.TypePendingCount:
		count, _ := ev.Payload.(int)
		s.lastMu.Lock()
		s.lastPending = &count
		s.lastMu.Unlock()
		msg.Type = MessageTypePendingCount
		msg.Data = mustMarshal(PendingCountData{Pending: count})

	case events.TypeRecordChanged:
		msg.Type = MessageTypeRecordChanged
		msg.Data = mustMarshal(RecordChangedData{Table: ev.Table})

	case events.TypeConflictDetected:
		msg.Type = MessageTypeConflictDetected
		msg.Data = mustMarshal(ev.Payload)

	case events.TypeMutationDead:
		msg.Type = MessageTypeMutationDead
		msg.Data = mustMarshal(ev.Payload)

	default:
		return Message{}, false
	}

	return msg, true
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// broadcastLoop fans messages out to all connected clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// stall new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.sendSnapshot(conn)
	go s.readLoop(conn)
}

// sendSnapshot replays the last observed network state and queue depth
// so a new client doesn't have to wait for the next change.
func (s *Server) sendSnapshot(conn *websocket.Conn) {
	s.lastMu.RLock()
	network := s.lastNetwork
	pending := s.lastPending
	s.lastMu.RUnlock()

	write := func(msg Message) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	if network != nil {
		write(Message{
			Type:      MessageTypeNetworkState,
			Timestamp: time.Now(),
			Data:      mustMarshal(*network),
		})
	}
	if pending != nil {
		write(Message{
			Type:      MessageTypePendingCount,
			Timestamp: time.Now(),
			Data:      mustMarshal(PendingCountData{Pending: *pending}),
		})
	}
}

// readLoop keeps the connection alive and handles client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are ignored; the stream is one-way.
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Hermandad Sync Dashboard</title>
</head>
<body>
    <h1>Hermandad Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive real-time sync updates.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
