// Package feed streams daemon activity to WebSocket clients.
//
// The daemon reports every applied spool file and every retention sweep;
// the feed broadcasts them as JSON messages so a companion app or a
// terminal client can follow the cache while it is being filled. A new
// client first receives a stats snapshot of the cache.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/freshness"
	cachesync "github.com/moodlog/moodlog/internal/cache/sync"
)

// MessageType names a feed message.
type MessageType string

const (
	// MessageTypeImport reports an applied spool file.
	MessageTypeImport MessageType = "import"

	// MessageTypeSweep reports a finished retention sweep.
	MessageTypeSweep MessageType = "sweep"

	// MessageTypeStats carries a snapshot of the cache contents.
	MessageTypeStats MessageType = "stats"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ImportData describes an applied spool file.
type ImportData struct {
	File               string `json:"file"`
	PostsUpserted      int    `json:"posts_upserted"`
	PostsSkipped       int    `json:"posts_skipped"`
	PostsDeleted       int64  `json:"posts_deleted"`
	CharactersUpserted int    `json:"characters_upserted"`
	CharactersDeleted  int64  `json:"characters_deleted"`
}

// SweepData describes a retention sweep.
type SweepData struct {
	PostsDeleted      int64 `json:"posts_deleted"`
	CharactersDeleted int64 `json:"characters_deleted"`
}

// StatsData is a snapshot of the cache.
type StatsData struct {
	Posts      int `json:"posts"`
	Skeletons  int `json:"skeletons"`
	Characters int `json:"characters"`
	Following  int `json:"following"`
}

// StatsFunc computes a StatsData snapshot.
type StatsFunc func(ctx context.Context) (StatsData, error)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7777". Port 0 picks a
	// free port; see Server.Addr.
	Addr string

	// Stats, when set, is sent to each client on connect and after every
	// import or sweep.
	Stats StatsFunc

	// BufferSize bounds queued messages. Messages beyond it are dropped.
	BufferSize int

	Logger *zap.Logger
}

// DefaultConfig returns the feed defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:       "127.0.0.1:7777",
		BufferSize: 100,
		Logger:     zap.NewNop(),
	}
}

// Server manages WebSocket clients and broadcasts feed messages.
type Server struct {
	addr     string
	stats    StatsFunc
	logger   *zap.Logger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a feed server. Call Start to begin listening.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := config.BufferSize
	if size <= 0 {
		size = DefaultConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		stats:     config.Stats,
		logger:    logger.Named("feed"),
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, size),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Info("feed listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("feed server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down. It is safe to
// call more than once, and before Start.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()

		s.clientsMu.Lock()
		for conn := range s.clients {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("feed shutdown: %w", shutdownErr)
			}
		}
		s.wg.Wait()
		s.logger.Info("feed stopped")
	})
	return err
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every client. It never blocks; when the queue
// is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-s.ctx.Done():
	case s.broadcast <- msg:
	default:
		s.logger.Warn("feed queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// Imported implements daemon.Observer.
func (s *Server) Imported(path string, stats cachesync.Stats) {
	s.send(MessageTypeImport, ImportData{
		File:               filepath.Base(path),
		PostsUpserted:      stats.PostsUpserted,
		PostsSkipped:       stats.PostsSkipped,
		PostsDeleted:       stats.PostsDeleted,
		CharactersUpserted: stats.CharactersUpserted,
		CharactersDeleted:  stats.CharactersDeleted,
	})
	s.sendStats()
}

// Swept implements daemon.Observer.
func (s *Server) Swept(res freshness.SweepResult) {
	s.send(MessageTypeSweep, SweepData{
		PostsDeleted:      res.PostsDeleted,
		CharactersDeleted: res.CharactersDeleted,
	})
	s.sendStats()
}

func (s *Server) send(typ MessageType, data any) {
	msg, err := newMessage(typ, data)
	if err != nil {
		s.logger.Warn("failed to encode feed message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	s.Broadcast(msg)
}

func (s *Server) sendStats() {
	msg, ok := s.statsMessage()
	if ok {
		s.Broadcast(msg)
	}
}

func (s *Server) statsMessage() (Message, bool) {
	if s.stats == nil {
		return Message{}, false
	}
	data, err := s.stats(s.ctx)
	if err != nil {
		s.logger.Warn("failed to compute cache stats", zap.Error(err))
		return Message{}, false
	}
	msg, err := newMessage(MessageTypeStats, data)
	if err != nil {
		return Message{}, false
	}
	return msg, true
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal feed message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("dropping feed client", zap.Error(err))
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

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Local tools connect from arbitrary origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// The welcome snapshot goes out before the client joins the broadcast
	// set so it is always the first frame.
	if msg, ok := s.statsMessage(); ok {
		if data, err := json.Marshal(msg); err == nil {
			_ = s.write(conn, data)
		}
	}

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[conn] = struct{}{}
	count := len(s.clients)
	s.wg.Add(1)
	s.clientsMu.Unlock()

	s.logger.Debug("feed client connected", zap.Int("clients", count))
	go s.readLoop(conn)
}

// readLoop drains client frames so control messages are handled, and
// notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("feed client disconnected", zap.Int("clients", count))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
