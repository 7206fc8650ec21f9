package webbridge

import (
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// peer is one attached browser widget.
type peer struct {
	remote string
	since  time.Time
}

// ConnectionPool serialises frame writes to every attached widget. A widget
// whose write fails is detached and its socket closed.
type ConnectionPool struct {
	mu      sync.Mutex
	widgets map[wsConn]peer
}

func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{widgets: map[wsConn]peer{}}
}

// Add attaches conn; remote is the peer address used in log lines.
func (cp *ConnectionPool) Add(conn wsConn, remote string) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	cp.widgets[conn] = peer{remote: remote, since: time.Now()}
	cp.mu.Unlock()
}

// Remove detaches and closes conn.
func (cp *ConnectionPool) Remove(conn wsConn) {
	if conn == nil {
		return
	}
	cp.mu.Lock()
	w, ok := cp.widgets[conn]
	delete(cp.widgets, conn)
	cp.mu.Unlock()
	_ = conn.Close()
	if ok {
		log.Debug().Str("component", "webbridge").Str("remote", w.remote).
			Dur("attached", time.Since(w.since)).Msg("widget disconnected")
	}
}

// Broadcast writes one frame to every widget.
func (cp *ConnectionPool) Broadcast(frame []byte) {
	if len(frame) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, w := range cp.widgets {
		cp.write(conn, w, frame, "broadcast")
	}
}

// SendToOne writes a frame to a single attached widget; unknown
// connections are ignored.
func (cp *ConnectionPool) SendToOne(conn wsConn, frame []byte) {
	if conn == nil || len(frame) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if w, ok := cp.widgets[conn]; ok {
		cp.write(conn, w, frame, "reply")
	}
}

// write must be called with mu held.
func (cp *ConnectionPool) write(conn wsConn, w peer, frame []byte, kind string) {
	err := conn.WriteMessage(websocket.TextMessage, frame)
	if err == nil {
		return
	}
	log.Warn().Err(err).Str("component", "webbridge").Str("remote", w.remote).Str("frame", kind).
		Int("bytes", len(frame)).Msg("widget write failed, detaching")
	delete(cp.widgets, conn)
	_ = conn.Close()
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.widgets)
}

// Remotes lists the peer addresses of attached widgets, sorted.
func (cp *ConnectionPool) Remotes() []string {
	cp.mu.Lock()
	out := make([]string, 0, len(cp.widgets))
	for _, w := range cp.widgets {
		out = append(out, w.remote)
	}
	cp.mu.Unlock()
	slices.Sort(out)
	return out
}

func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.widgets {
		_ = conn.Close()
	}
	clear(cp.widgets)
}
