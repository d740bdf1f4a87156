package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const wsWriteTimeout = 5 * time.Second

// wsConn is the part of *websocket.Conn a session needs.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession represents a connected provider app.
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds provider sessions keyed by mirror key (models.Provider.MirrorKey).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for mirrorKey, closing any previous session.
func (r *WSRegistry) Add(mirrorKey string, conn *websocket.Conn) {
	r.add(mirrorKey, conn)
}

func (r *WSRegistry) add(mirrorKey string, conn wsConn) {
	r.mu.Lock()
	prev := r.sessions[mirrorKey]
	r.sessions[mirrorKey] = &WSSession{conn: conn}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session for mirrorKey if it still uses conn.
func (r *WSRegistry) Remove(mirrorKey string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[mirrorKey]; ok && s.conn == wsConn(conn) {
		delete(r.sessions, mirrorKey)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Push writes v to the provider's session. A failed write drops the session.
func (r *WSRegistry) Push(mirrorKey string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[mirrorKey]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.mu.Lock()
		if r.sessions[mirrorKey] == s {
			delete(r.sessions, mirrorKey)
		}
		r.mu.Unlock()
		_ = s.conn.Close()
		return err
	}
	return nil
}
