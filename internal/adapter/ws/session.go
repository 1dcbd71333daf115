package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmake/infergate/internal/domain"
)

const writeTimeout = 10 * time.Second

// ConnectedSession is one live duplex connection. The write mutex serializes
// frames from the read loop, chat turns, heartbeat and broadcasts.
type ConnectedSession struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	principal domain.Principal
	anonID    string
	language  string
	mcp       MCPSettings
	cancel    context.CancelFunc // active turn handle, nil between turns
	turnSeq   uint64
	alive     bool
	closed    bool
}

func newConnectedSession(id string, conn *websocket.Conn, principal domain.Principal, anonID string) *ConnectedSession {
	return &ConnectedSession{
		id:        id,
		conn:      conn,
		principal: principal,
		anonID:    anonID,
		language:  "ko",
		alive:     true,
	}
}

// Send writes one frame; concurrent senders are serialized.
func (s *ConnectedSession) Send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

func (s *ConnectedSession) userContext() domain.UserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.UserContext{Principal: s.principal, AnonSessionID: s.anonID, Language: s.language}
}

func (s *ConnectedSession) mcpSettings() MCPSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mcp
}

func (s *ConnectedSession) setMCPSettings(apply func(*MCPSettings)) MCPSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.mcp)
	return s.mcp
}

// setCancel installs the turn's cancellation handle and returns a turn token
// for clearCancel. A turn already in flight is cancelled first, so each
// session carries at most one handle.
func (s *ConnectedSession) setCancel(cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	prev := s.cancel
	s.cancel = cancel
	s.turnSeq++
	seq := s.turnSeq
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return seq
}

// clearCancel removes the handle only when it still belongs to the given
// turn: a turn finishing late must not clear the next turn's handle.
func (s *ConnectedSession) clearCancel(seq uint64) {
	s.mu.Lock()
	if s.turnSeq == seq {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// fireCancel triggers the active handle, if any, and reports whether there
// was one.
func (s *ConnectedSession) fireCancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (s *ConnectedSession) markAlive() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
}

// sweepAlive reports the liveness flag and clears it for the next tick.
func (s *ConnectedSession) sweepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alive
	s.alive = false
	return was
}

func (s *ConnectedSession) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *ConnectedSession) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}
