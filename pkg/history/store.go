// Package history owns the ordered, bounded list of conversations and the
// active-conversation pointer, persisted as a single JSON blob.
package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/flintttan/n8n-chat-widget/pkg/kv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// NewConversation is the active index of a conversation that has not
	// been saved yet.
	NewConversation = -1

	DefaultKey      = "n8n_chat_widget_history"
	DefaultMaxItems = 50
)

var ErrOutOfRange = errors.New("history: index out of range")

type Options struct {
	// Key is the blob key in the backing store.
	Key string
	// MaxItems bounds the number of conversations; the oldest are evicted.
	MaxItems int
	// Disabled keeps history in memory only.
	Disabled bool
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Store is safe for concurrent use. Every mutation is written through to
// the backing kv.Store before the call returns; write failures are logged
// and the in-memory state stays authoritative.
type Store struct {
	mu sync.Mutex

	backend  kv.Store
	key      string
	maxItems int
	persist  bool
	clock    func() time.Time

	conversations []Conversation
	active        int
	// pendingSession is the session id for the next conversation created
	// while active is NewConversation.
	pendingSession string
}

// Open loads the persisted conversations from backend. A nil backend, a
// missing blob or a corrupt blob all produce an empty store.
func Open(ctx context.Context, backend kv.Store, opts Options) *Store {
	s := &Store{
		backend:  backend,
		key:      opts.Key,
		maxItems: opts.MaxItems,
		persist:  backend != nil && !opts.Disabled,
		clock:    opts.Clock,
		active:   NewConversation,
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.maxItems <= 0 {
		s.maxItems = DefaultMaxItems
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.persist {
		s.conversations = s.load(ctx)
	}
	if s.conversations == nil {
		s.conversations = []Conversation{}
	}
	if n := len(s.conversations) - s.maxItems; n > 0 {
		s.conversations = append([]Conversation{}, s.conversations[n:]...)
	}
	return s
}

func (s *Store) load(ctx context.Context) []Conversation {
	blob, ok, err := s.backend.Load(ctx, s.key)
	if err != nil {
		log.Warn().Err(err).Str("component", "history").Str("key", s.key).Msg("failed to load history, starting empty")
		return nil
	}
	if !ok || len(blob) == 0 {
		return nil
	}
	var out []Conversation
	if err := json.Unmarshal(blob, &out); err != nil {
		log.Warn().Err(err).Str("component", "history").Str("key", s.key).Msg("corrupt history blob, starting empty")
		return nil
	}
	return out
}

// save must be called with mu held.
func (s *Store) save(ctx context.Context) {
	if !s.persist {
		return
	}
	blob, err := json.Marshal(s.conversations)
	if err != nil {
		log.Warn().Err(err).Str("component", "history").Msg("failed to encode history")
		return
	}
	if err := s.backend.Save(ctx, s.key, blob); err != nil {
		log.Warn().Err(err).Str("component", "history").Str("key", s.key).Msg("failed to persist history")
	}
}

// StartNew points the store at a fresh, unsaved conversation. Nothing is
// created until the first Append.
func (s *Store) StartNew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = NewConversation
	s.pendingSession = ""
}

// SetSessionID records the session id of the active conversation, or of the
// conversation the next Append will create.
func (s *Store) SetSessionID(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == NewConversation {
		s.pendingSession = id
		return
	}
	c := &s.conversations[s.active]
	if c.SessionID == id {
		return
	}
	c.SessionID = id
	s.save(ctx)
}

// Append adds a message to the active conversation, creating it first when
// the active index is NewConversation. It returns the conversation's index.
func (s *Store) Append(ctx context.Context, role Role, text string, images []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UnixMilli()
	if s.active == NewConversation {
		s.conversations = append(s.conversations, Conversation{
			Title:     Title(text),
			CreatedAt: now,
			Timestamp: now,
			SessionID: s.pendingSession,
			Messages:  []Message{},
		})
		s.active = len(s.conversations) - 1
		s.pendingSession = ""
		s.evict()
	}

	c := &s.conversations[s.active]
	c.Messages = append(c.Messages, Message{
		Role:    role,
		Content: text,
		Images:  append([]string(nil), images...),
	})
	if now > c.Timestamp {
		c.Timestamp = now
	}
	s.save(ctx)
	return s.active
}

// evict drops the oldest conversations beyond maxItems and shifts the
// active index with them.
func (s *Store) evict() {
	n := len(s.conversations) - s.maxItems
	if n <= 0 {
		return
	}
	s.conversations = append([]Conversation{}, s.conversations[n:]...)
	if s.active != NewConversation {
		s.active -= n
		if s.active < 0 {
			s.active = NewConversation
		}
	}
	log.Debug().Str("component", "history").Int("evicted", n).Msg("evicted oldest conversations")
}

// Resume makes conversation i active and returns a copy of it.
func (s *Store) Resume(i int) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conversations) {
		return Conversation{}, errors.Wrapf(ErrOutOfRange, "resume %d of %d", i, len(s.conversations))
	}
	s.active = i
	s.pendingSession = ""
	return s.conversations[i].clone(), nil
}

// Remove deletes conversation i. Removing the active conversation resets
// the active index to NewConversation; removing an earlier one shifts it.
func (s *Store) Remove(ctx context.Context, i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conversations) {
		return errors.Wrapf(ErrOutOfRange, "remove %d of %d", i, len(s.conversations))
	}
	s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	switch {
	case s.active == i:
		s.active = NewConversation
		s.pendingSession = ""
	case s.active > i:
		s.active--
	}
	s.save(ctx)
	return nil
}

// ClearAll removes every conversation.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = []Conversation{}
	s.active = NewConversation
	s.pendingSession = ""
	s.save(ctx)
}

// ActiveIndex returns the active index or NewConversation.
func (s *Store) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Active returns a copy of the active conversation.
func (s *Store) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == NewConversation {
		return Conversation{}, false
	}
	return s.conversations[s.active].clone(), true
}

// Get returns a copy of conversation i without changing the active index.
func (s *Store) Get(i int) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.conversations) {
		return Conversation{}, errors.Wrapf(ErrOutOfRange, "get %d of %d", i, len(s.conversations))
	}
	return s.conversations[i].clone(), nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// List returns one summary per conversation, oldest first.
func (s *Store) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.conversations))
	for i, c := range s.conversations {
		out = append(out, Summary{
			Index:     i,
			Title:     c.Title,
			Updated:   c.Updated(),
			SessionID: c.SessionID,
			Messages:  len(c.Messages),
			Active:    i == s.active,
		})
	}
	return out
}
