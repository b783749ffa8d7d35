// Package peer wraps a single net.Conn as a peer session: framed
// send/recv, liveness tracking, and idempotent close.
package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"synnergy-network/internal/errs"
	"synnergy-network/internal/wire"
)

// Session represents a live connection to one peer.
type Session struct {
	conn   net.Conn
	NodeID string

	maxMessageSize int
	errHandler     *errs.Handler

	mu       sync.Mutex
	active   bool
	lastSeen time.Time
}

// New wraps conn as a Session for nodeID. maxMessageSize bounds frames read
// from and written to conn; errHandler may be nil.
func New(conn net.Conn, nodeID string, maxMessageSize int, errHandler *errs.Handler) *Session {
	return &Session{
		conn:           conn,
		NodeID:         nodeID,
		maxMessageSize: maxMessageSize,
		errHandler:     errHandler,
		active:         true,
		lastSeen:       time.Now(),
	}
}

// IsActive reports whether the session is still open.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastSeen returns the time of the most recent successful send or receive.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Send frames and writes m to the peer. A write failure closes the session
// and is reported to the error handler as a CONNECTION_ERROR.
func (s *Session) Send(m *wire.Message) error {
	if !s.IsActive() {
		return fmt.Errorf("peer: session %s is closed", s.NodeID)
	}
	if err := wire.WriteFrame(s.conn, m); err != nil {
		s.fail(err)
		return fmt.Errorf("peer: send to %s: %w", s.NodeID, err)
	}
	s.touch()
	return nil
}

// Recv reads and decodes the next frame from the peer. A read failure (EOF,
// oversized frame, malformed payload) closes the session and is reported to
// the error handler as a CONNECTION_ERROR.
func (s *Session) Recv() (*wire.Message, error) {
	if !s.IsActive() {
		return nil, fmt.Errorf("peer: session %s is closed", s.NodeID)
	}
	m, err := wire.ReadFrame(s.conn, s.maxMessageSize)
	if err != nil {
		s.fail(err)
		return nil, fmt.Errorf("peer: recv from %s: %w", s.NodeID, err)
	}
	s.touch()
	return m, nil
}

func (s *Session) fail(cause error) {
	s.Close()
	if s.errHandler != nil {
		s.errHandler.HandleError(errs.New(errs.KindConnection, errs.SeverityMedium, cause.Error(), nil).WithPeer(s.NodeID))
	}
}

// Close closes the underlying connection. It is safe to call more than
// once; only the first call has effect.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	return s.conn.Close()
}

// RemoteAddr returns the peer's remote network address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
