package history

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flintttan/n8n-chat-widget/pkg/kv"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

type failingKV struct{ kv.Store }

func (failingKV) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestAppendCreatesConversation(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{})
	require.Equal(t, NewConversation, s.ActiveIndex())

	idx := s.Append(ctx, RoleUser, "hello", nil)
	require.Equal(t, 0, idx)
	require.Equal(t, 1, s.Len())
	require.Equal(t, 0, s.ActiveIndex())

	c, ok := s.Active()
	require.True(t, ok)
	require.Equal(t, "hello", c.Title)
	require.Len(t, c.Messages, 1)
	require.Equal(t, RoleUser, c.Messages[0].Role)
}

func TestTitleTruncation(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, nil, Options{})
	s.Append(ctx, RoleUser, strings.Repeat("a", 40), nil)
	c, _ := s.Active()
	require.Equal(t, strings.Repeat("a", 30)+"...", c.Title)

	require.Equal(t, strings.Repeat("a", 30), Title(strings.Repeat("a", 30)))
	require.Equal(t, strings.Repeat("你", 30)+"...", Title(strings.Repeat("你", 31)))
}

func TestBoundEvictsOldest(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{MaxItems: 2})
	for _, title := range []string{"one", "two", "three"} {
		s.StartNew()
		s.Append(ctx, RoleUser, title, nil)
	}
	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "two", list[0].Title)
	require.Equal(t, "three", list[1].Title)
	require.Equal(t, 1, s.ActiveIndex())
	require.True(t, list[1].Active)
}

func TestRemoveActive(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{})
	s.Append(ctx, RoleUser, "a", nil)
	s.StartNew()
	s.Append(ctx, RoleUser, "b", nil)
	require.Equal(t, 1, s.ActiveIndex())

	require.NoError(t, s.Remove(ctx, 1))
	require.Equal(t, NewConversation, s.ActiveIndex())
	require.Equal(t, 1, s.Len())
}

func TestRemoveEarlierShiftsActive(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{})
	for _, title := range []string{"a", "b", "c"} {
		s.StartNew()
		s.Append(ctx, RoleUser, title, nil)
	}
	_, err := s.Resume(2)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, 0))
	require.Equal(t, 1, s.ActiveIndex())
	c, ok := s.Active()
	require.True(t, ok)
	require.Equal(t, "c", c.Title)
}

func TestOutOfRangeLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	s := Open(ctx, backend, Options{})
	s.Append(ctx, RoleUser, "a", nil)
	before, _, err := backend.Load(ctx, DefaultKey)
	require.NoError(t, err)

	for _, i := range []int{-1, 1, 99} {
		_, err := s.Resume(i)
		require.ErrorIs(t, err, ErrOutOfRange)
		require.ErrorIs(t, s.Remove(ctx, i), ErrOutOfRange)
		_, err = s.Get(i)
		require.ErrorIs(t, err, ErrOutOfRange)
	}
	require.Equal(t, 0, s.ActiveIndex())
	require.Equal(t, 1, s.Len())

	after, _, err := backend.Load(ctx, DefaultKey)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestStartNewIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{})
	s.Append(ctx, RoleUser, "a", nil)
	s.StartNew()
	s.StartNew()
	require.Equal(t, NewConversation, s.ActiveIndex())
	require.Equal(t, 1, s.Len())
}

func TestTimestampMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := Open(ctx, nil, Options{Clock: clock.now})

	s.Append(ctx, RoleUser, "a", nil)
	c, _ := s.Active()
	first := c.Timestamp
	require.Equal(t, first, c.CreatedAt)

	clock.t = clock.t.Add(-time.Hour)
	s.Append(ctx, RoleAssistant, "b", nil)
	c, _ = s.Active()
	require.Equal(t, first, c.Timestamp)

	clock.t = clock.t.Add(2 * time.Hour)
	s.Append(ctx, RoleUser, "c", nil)
	c, _ = s.Active()
	require.Greater(t, c.Timestamp, first)
	require.Equal(t, first, c.CreatedAt)
}

func TestResumeRestoresMessages(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{})
	s.SetSessionID(ctx, "session_1")
	s.Append(ctx, RoleUser, "question", []string{"data:image/png;base64,AAA"})
	s.Append(ctx, RoleAssistant, "answer", nil)
	s.StartNew()
	s.Append(ctx, RoleUser, "other", nil)

	c, err := s.Resume(0)
	require.NoError(t, err)
	require.Equal(t, "session_1", c.SessionID)
	require.Len(t, c.Messages, 2)
	require.Equal(t, []string{"data:image/png;base64,AAA"}, c.Messages[0].Images)
	require.Equal(t, "answer", c.Messages[1].Content)

	c.Messages[0].Content = "mutated"
	again, err := s.Get(0)
	require.NoError(t, err)
	require.Equal(t, "question", again.Messages[0].Content)
}

func TestSetSessionIDOnActive(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, kv.NewMemory(), Options{})
	s.Append(ctx, RoleUser, "a", nil)
	s.SetSessionID(ctx, "server-session")
	c, _ := s.Active()
	require.Equal(t, "server-session", c.SessionID)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	s := Open(ctx, backend, Options{})
	s.Append(ctx, RoleUser, "a", nil)
	s.ClearAll(ctx)
	require.Equal(t, 0, s.Len())
	require.Equal(t, NewConversation, s.ActiveIndex())

	blob, ok, err := backend.Load(ctx, DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[]", string(blob))
}

func TestPersistRoundTripAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dsn, err := kv.SQLiteDSNForFile(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	backend, err := kv.NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	s := Open(ctx, backend, Options{})
	s.Append(ctx, RoleUser, "persisted", nil)
	s.Append(ctx, RoleAssistant, "reply", nil)

	reopened := Open(ctx, backend, Options{})
	require.Equal(t, 1, reopened.Len())
	require.Equal(t, NewConversation, reopened.ActiveIndex())
	c, err := reopened.Get(0)
	require.NoError(t, err)
	require.Equal(t, "persisted", c.Title)
	require.Len(t, c.Messages, 2)
}

func TestCorruptBlobLoadsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	require.NoError(t, backend.Save(ctx, DefaultKey, []byte("{not json")))

	s := Open(ctx, backend, Options{})
	require.Equal(t, 0, s.Len())
	s.Append(ctx, RoleUser, "fresh", nil)
	require.Equal(t, 1, s.Len())
}

func TestLoadIgnoresUnknownFieldsAndTrims(t *testing.T) {
	ctx := context.Background()
	var convs []map[string]any
	for i := 0; i < 5; i++ {
		convs = append(convs, map[string]any{
			"title":     fmt.Sprintf("c%d", i),
			"timestamp": 1000 + i,
			"sessionId": fmt.Sprintf("s%d", i),
			"messages":  []map[string]any{{"role": "user", "content": "x", "imageData": nil}},
			"pinned":    true,
		})
	}
	blob, err := json.Marshal(convs)
	require.NoError(t, err)
	backend := kv.NewMemory()
	require.NoError(t, backend.Save(ctx, DefaultKey, blob))

	s := Open(ctx, backend, Options{MaxItems: 3})
	list := s.List()
	require.Len(t, list, 3)
	require.Equal(t, "c2", list[0].Title)
	require.Equal(t, "s4", list[2].SessionID)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, failingKV{kv.NewMemory()}, Options{})
	s.Append(ctx, RoleUser, "a", nil)
	s.Append(ctx, RoleAssistant, "b", nil)
	c, ok := s.Active()
	require.True(t, ok)
	require.Len(t, c.Messages, 2)
}

func TestDisabledNeverPersists(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	s := Open(ctx, backend, Options{Disabled: true})
	s.Append(ctx, RoleUser, "a", nil)
	_, ok, err := backend.Load(ctx, DefaultKey)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, s.Len())
}
