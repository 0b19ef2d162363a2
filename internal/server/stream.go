package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one entry on the live sync event stream.
type Event struct {
	Type      string    `json:"type"`
	Repo      string    `json:"repo,omitempty"`
	IssueID   string    `json:"issue_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Stream broadcasts sync events to connected WebSocket clients. Slow or dead
// clients are dropped rather than blocking the broadcast.
type Stream struct {
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	broadcast chan Event
}

// NewStream creates a stream; call Start before broadcasting.
func NewStream(logger *log.Logger) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
	}
}

// Start launches the broadcast loop.
func (s *Stream) Start() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// Stop disconnects all clients and stops the loop.
func (s *Stream) Stop() {
	s.cancel()
	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	s.wg.Wait()
}

// Broadcast queues an event for all connected clients. Events are dropped
// when the queue is full.
func (s *Stream) Broadcast(ev Event) {
	select {
	case s.broadcast <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Println("event stream full, dropping event")
	}
}

func (s *Stream) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.broadcast:
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Stream) addClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("stream client connected (total: %d)", n)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

func (s *Stream) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.clientsMu.Unlock()
}
