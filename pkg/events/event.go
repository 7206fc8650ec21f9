package events

import (
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
)

type Type string

const (
	// TypePartial carries the accumulated text so far.
	TypePartial Type = "partial"
	// TypeComplete carries the terminal text and formatted JSON blocks.
	TypeComplete Type = "complete"
	// TypeSession reports a server-assigned session id.
	TypeSession Type = "session"
	// TypeHistory reports that the conversation list changed.
	TypeHistory Type = "history"
)

type Event struct {
	Type       Type   `json:"type"`
	ExchangeID string `json:"exchangeId,omitempty"`
	Text       string `json:"text,omitempty"`
	Empty      bool   `json:"empty,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`

	Blocks  []jsonblock.View  `json:"blocks,omitempty"`
	History []history.Summary `json:"history,omitempty"`
	Active  *int              `json:"active,omitempty"`
}
