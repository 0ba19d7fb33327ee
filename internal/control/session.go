package control

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionState tracks a control session through its lifecycle.
type SessionState int32

const (
	StateUnconnected SessionState = iota
	StateInitialising
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateInitialising:
		return "initialising"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// sendQueueSize bounds per-session outbound buffering. A full queue
	// closes the session rather than block a broadcaster.
	sendQueueSize = 64

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// maxControlMessage bounds inbound control frames.
	maxControlMessage = 64 * 1024
)

// Session is one client's control connection. The read loop processes
// requests strictly in order; the write loop serializes outbound
// messages and enforces the heartbeat strike policy.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	// id is assigned during INIT and read by both pumps.
	id    atomic.Pointer[uuid.UUID]
	state atomic.Int32

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once

	// strikes counts heartbeat intervals without inbound traffic.
	strikes atomic.Int32
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:    hub,
		conn:   conn,
		logger: hub.logger.With("remote", conn.RemoteAddr().String()),
		send:   make(chan Message, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ClientID returns the id assigned at INIT, or uuid.Nil before that.
func (s *Session) ClientID() uuid.UUID {
	if p := s.id.Load(); p != nil {
		return *p
	}
	return uuid.Nil
}

func (s *Session) setClientID(id uuid.UUID) { s.id.Store(&id) }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

// Queue enqueues msg for the writer pump without blocking. A full queue
// closes the session.
func (s *Session) Queue(msg Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("send queue overflow, closing session", "client", s.ClientID())
		s.close()
		return false
	}
}

// close shuts the transport down once. The read loop notices the closed
// connection and runs the departure cascade.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		s.conn.Close()
	})
}

// readLoop processes inbound requests one at a time until the transport
// fails or the session is closed. It owns the departure cascade.
func (s *Session) readLoop() {
	defer func() {
		s.close()
		s.hub.unregister(s)
	}()

	s.conn.SetReadLimit(maxControlMessage)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosed {
				s.logger.Debug("session read ended", "client", s.ClientID(), "error", err)
			}
			return
		}
		// Any inbound traffic counts as a heartbeat.
		s.strikes.Store(0)

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Queue(errorMessage("Invalid JSON format"))
			continue
		}
		s.hub.dispatch(s, msg)
	}
}

// writeLoop drains the send queue into the socket and closes the
// session after maxStrikes heartbeat intervals without inbound traffic.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.hub.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug("session write failed", "client", s.ClientID(), "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			if s.strikes.Add(1) >= int32(s.hub.maxStrikes) {
				s.logger.Info("heartbeat strikes exhausted, closing session",
					"client", s.ClientID(), "strikes", s.hub.maxStrikes)
				s.close()
				return
			}
		}
	}
}
