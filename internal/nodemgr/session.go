package nodemgr

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 65536
	sendBufferSize = 256
)

// session is one live node connection. It owns the transport and the buffered outbound
// channel; the bound nodeId is set once the registration handshake completes and never
// changes for the session's lifetime.
type session struct {
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	nodeID        string
	location      string
	registered    bool
	lastHeartbeat time.Time
	closed        bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		lastHeartbeat: time.Now(),
	}
}

func (s *session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *session) bind(nodeID, location string) {
	s.mu.Lock()
	s.nodeID = nodeID
	s.location = location
	s.registered = true
	s.mu.Unlock()
}

func (s *session) boundLocation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

func (s *session) isRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *session) boundNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// enqueue pushes a frame onto the outbound buffer. Returns false if the buffer is saturated
// or the session has already been torn down — the caller translates that into SendFailed.
func (s *session) enqueue(data []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.mu.Unlock()
}

// writePump owns all writes to the transport: outbound command/control frames plus the
// transport-level ping keepalive. One goroutine per session, mirroring the one-goroutine-
// per-connection write discipline gorilla's hub examples use.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithCode sends a close frame carrying a CNC-specific code/reason and tears the
// transport down.
func (s *session) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.markClosed()
	s.conn.Close()
}
