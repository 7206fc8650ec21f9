package webbridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail || s.closed {
		return errors.New("closed")
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubConn) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func TestConnectionPoolBroadcastDropsFailingConn(t *testing.T) {
	pool := NewConnectionPool()
	good := &stubConn{}
	bad := &stubConn{fail: true}
	pool.Add(good, "10.0.0.1:5000")
	pool.Add(bad, "10.0.0.2:5000")
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))

	require.Equal(t, 1, pool.Count())
	require.Equal(t, []string{"10.0.0.1:5000"}, pool.Remotes())
	require.Equal(t, 2, good.count())
	require.True(t, bad.closed)
}

func TestConnectionPoolSendToOne(t *testing.T) {
	pool := NewConnectionPool()
	a, b := &stubConn{}, &stubConn{}
	pool.Add(a, "10.0.0.1:5000")
	pool.Add(b, "10.0.0.2:5000")

	pool.SendToOne(a, []byte("hi"))
	require.Equal(t, 1, a.count())
	require.Equal(t, 0, b.count())

	// Unknown connections are ignored.
	stray := &stubConn{}
	pool.SendToOne(stray, []byte("hi"))
	require.Equal(t, 0, stray.count())
}

func TestConnectionPoolEmptyPayloadIgnored(t *testing.T) {
	pool := NewConnectionPool()
	c := &stubConn{}
	pool.Add(c, "10.0.0.3:5000")
	pool.Broadcast(nil)
	pool.SendToOne(c, nil)
	require.Equal(t, 0, c.count())
}

func TestConnectionPoolRemoveAndCloseAll(t *testing.T) {
	pool := NewConnectionPool()
	a, b := &stubConn{}, &stubConn{}
	pool.Add(a, "10.0.0.1:5000")
	pool.Add(b, "10.0.0.2:5000")
	pool.Add(nil, "10.0.0.9:5000")

	require.Equal(t, []string{"10.0.0.1:5000", "10.0.0.2:5000"}, pool.Remotes())

	pool.Remove(a)
	require.True(t, a.closed)
	require.Equal(t, []string{"10.0.0.2:5000"}, pool.Remotes())

	pool.CloseAll()
	require.True(t, b.closed)
	require.Equal(t, 0, pool.Count())
	require.Empty(t, pool.Remotes())
}
