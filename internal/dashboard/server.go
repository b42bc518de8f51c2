// Package dashboard serves a live WebSocket feed of cache changes.
//
// Connected clients receive channel and message updates as observers report
// them, the outcome of every spool sync, cache statistics and wipe notices.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/chatkit/chatcache/internal/logging"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeChannelUpdate carries a batch of channel list changes
	MessageTypeChannelUpdate MessageType = "channel_update"

	// MessageTypeMessageUpdate carries a batch of message changes
	MessageTypeMessageUpdate MessageType = "message_update"

	// MessageTypeSyncComplete indicates a full spool sync completed
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats carries cache statistics
	MessageTypeStats MessageType = "stats"

	// MessageTypeWipe indicates all cached data was removed
	MessageTypeWipe MessageType = "wipe"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a Message of type typ.
func NewMessage(typ MessageType, data any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	msg.Data = raw
	return msg, nil
}

// knownTypes lists every message type, for validating client filters.
var knownTypes = []MessageType{
	MessageTypeChannelUpdate,
	MessageTypeMessageUpdate,
	MessageTypeSyncComplete,
	MessageTypeStats,
	MessageTypeWipe,
}

// parseTypes parses a comma separated type filter. An empty filter selects
// every type.
func parseTypes(filter string) (map[MessageType]bool, error) {
	if filter == "" {
		return nil, nil
	}
	types := make(map[MessageType]bool)
	for _, name := range strings.Split(filter, ",") {
		typ := MessageType(strings.TrimSpace(name))
		found := false
		for _, k := range knownTypes {
			if k == typ {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown message type %q", typ)
		}
		types[typ] = true
	}
	return types, nil
}

// client is one WebSocket connection and the message types it asked for.
type client struct {
	conn  *websocket.Conn
	types map[MessageType]bool // nil means all
}

func (c *client) wants(typ MessageType) bool {
	return c.types == nil || c.types[typ]
}

// Config holds server configuration
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{Port: 8080}
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	mux      *http.ServeMux
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]*client
	clientsMu sync.RWMutex
	dropped   atomic.Int64
	started   time.Time

	welcomeMu sync.RWMutex
	welcome   func() (Message, bool)

	broadcast chan Message

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger *slog.Logger
}

// NewServer creates a dashboard server and starts its broadcast loop. Serve
// it with Start, or mount Handler on a server of your own.
func NewServer(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]*client),
		started:   time.Now(),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.OrDiscard(config.Logger).With("component", "dashboard"),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/", s.handleRoot)

	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetWelcome sets the message sent to each client on connect. fn reports
// false to send nothing.
func (s *Server) SetWelcome(fn func() (Message, bool)) {
	s.welcomeMu.Lock()
	s.welcome = fn
	s.welcomeMu.Unlock()
}

// Start begins serving HTTP on the configured port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Dashboard server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "error", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping dashboard server")
		s.cancel()

		s.clientsMu.Lock()
		for conn := range s.clients {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("server shutdown error: %w", shutdownErr)
			}
		}

		s.wg.Wait()
		s.logger.Info("Dashboard server stopped")
	})
	return err
}

// Broadcast queues msg for every connected client. Messages are dropped when
// the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.dropped.Add(1)
		s.logger.Warn("Warning: broadcast channel full, dropping message", "type", msg.Type)
	}
}

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
				s.logger.Error("Failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(s.clients))
			for conn, c := range s.clients {
				if c.wants(msg.Type) {
					targets = append(targets, conn)
				}
			}
			s.clientsMu.RUnlock()

			for _, conn := range targets {
				if err := s.write(conn, data); err != nil {
					s.logger.Warn("Failed to send to client", "type", msg.Type, "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket accepts a client. The optional types query parameter,
// e.g. ?types=stats,wipe, limits what the client receives.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	types, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, types: types}

	// Welcome first so it precedes any broadcast the client receives.
	s.welcomeMu.RLock()
	welcome := s.welcome
	s.welcomeMu.RUnlock()
	if welcome != nil {
		if msg, ok := welcome(); ok && c.wants(msg.Type) {
			if data, err := json.Marshal(msg); err == nil {
				_ = s.write(conn, data)
			}
		}
	}

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	s.clients[conn] = c
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("Client connected", "total", clientCount, "filtered", types != nil)

	s.readLoop(conn)
}

// readLoop holds the connection open until the client goes away. Client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("Client disconnected", "total", clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"clients":        s.ClientCount(),
		"dropped":        s.dropped.Load(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>chatcache dashboard</title>
</head>
<body>
    <h1>chatcache dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Filter with <code>?types=</code> and a comma separated list of
       channel_update, message_update, sync_complete, stats, wipe.</p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started, or the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Dropped returns how many broadcasts were dropped because the queue was
// full.
func (s *Server) Dropped() int64 {
	return s.dropped.Load()
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
