package widget

import "github.com/flintttan/n8n-chat-widget/pkg/history"

type State struct {
	IsStreaming     bool   `json:"isStreaming"`
	ExchangeID      string `json:"exchangeId,omitempty"`
	AccumulatedText string `json:"accumulatedText"`
	SessionID       string `json:"sessionId"`
	// ActiveIndex is history.NewConversation when nothing is active.
	ActiveIndex        int                   `json:"activeIndex"`
	ActiveConversation *history.Conversation `json:"activeConversation,omitempty"`
	HistoryList        []history.Summary     `json:"historyList"`
}

// QueryState is safe to call from any goroutine, including while an
// exchange is streaming.
func (c *Controller) QueryState() State {
	c.mu.Lock()
	ex := c.inflight
	sessionID := c.sessionID
	c.mu.Unlock()

	st := State{
		SessionID:   sessionID,
		ActiveIndex: c.store.ActiveIndex(),
		HistoryList: c.store.List(),
	}
	if ex != nil {
		snap := ex.acc.Snapshot()
		st.IsStreaming = !snap.Complete
		st.ExchangeID = snap.ID
		st.AccumulatedText = snap.Text
	}
	if conv, ok := c.store.Active(); ok {
		st.ActiveConversation = &conv
	}
	return st
}
