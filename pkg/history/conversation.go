package history

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is immutable once appended to a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Images are attachment references, typically data URLs.
	Images []string `json:"imageData,omitempty"`
}

// Conversation is the persisted record. Timestamps are unix milliseconds so
// blobs written by the browser widget load unchanged.
type Conversation struct {
	Title     string    `json:"title"`
	CreatedAt int64     `json:"createdAt,omitempty"`
	Timestamp int64     `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages"`
}

func (c Conversation) Updated() time.Time {
	return time.UnixMilli(c.Timestamp)
}

func (c Conversation) Created() time.Time {
	if c.CreatedAt == 0 {
		return c.Updated()
	}
	return time.UnixMilli(c.CreatedAt)
}

func (c Conversation) clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Images = append([]string(nil), m.Images...)
		out.Messages[i] = m
	}
	return out
}

// Summary is one history list row.
type Summary struct {
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	Updated   time.Time `json:"updated"`
	SessionID string    `json:"sessionId"`
	Messages  int       `json:"messages"`
	Active    bool      `json:"active"`
}

const (
	TitleLength = 30
	ellipsis    = "..."
)

// Title derives a display title from the first user turn.
func Title(text string) string {
	if utf8.RuneCountInString(text) <= TitleLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleLength]) + ellipsis
}
