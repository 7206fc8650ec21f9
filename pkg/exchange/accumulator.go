// Package exchange holds the growing assistant text of one request/response
// turn and its completion protocol.
package exchange

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrComplete is returned when a terminal accumulator is asked to change.
var ErrComplete = errors.New("exchange: already complete")

type State int

const (
	Streaming State = iota
	Complete
)

func (s State) String() string {
	switch s {
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

const (
	errorNoticePrefix = "❌ Error: "
	cancelNotice      = "⏹ Request cancelled."
)

// Accumulator is safe to read from other goroutines while its single
// producer appends.
type Accumulator struct {
	id        string
	sessionID string

	mu     sync.RWMutex
	text   strings.Builder
	state  State
	failed error
}

// New starts a Streaming accumulator for an exchange begun under sessionID.
func New(sessionID string) *Accumulator {
	return &Accumulator{
		id:        uuid.NewString(),
		sessionID: sessionID,
		state:     Streaming,
	}
}

func (a *Accumulator) ID() string { return a.id }

// SessionID is the session the exchange was started with.
func (a *Accumulator) SessionID() string { return a.sessionID }

// Append concatenates fragment while Streaming.
func (a *Accumulator) Append(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Complete {
		return ErrComplete
	}
	a.text.WriteString(fragment)
	return nil
}

// Finish appends an optional last fragment and makes the accumulator
// terminal. An empty final adds nothing.
func (a *Accumulator) Finish(final string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Complete {
		return ErrComplete
	}
	a.text.WriteString(final)
	a.state = Complete
	return nil
}

// Fail force-completes with whatever has accumulated and a notice
// describing err. A canceled context yields a cancellation notice.
func (a *Accumulator) Fail(err error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Complete {
		return ErrComplete
	}
	if err == nil {
		err = errors.New("unknown failure")
	}
	notice := errorNoticePrefix + err.Error()
	if errors.Is(err, context.Canceled) {
		notice = cancelNotice
	}
	if a.text.Len() > 0 {
		a.text.WriteString("\n\n")
	}
	a.text.WriteString(notice)
	a.failed = err
	a.state = Complete
	return nil
}

func (a *Accumulator) Text() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.text.String()
}

func (a *Accumulator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Accumulator) IsComplete() bool {
	return a.State() == Complete
}

// IsEmpty reports whether there is no visible text yet, so a renderer can
// keep showing a loading indicator.
func (a *Accumulator) IsEmpty() bool {
	return strings.TrimSpace(a.Text()) == ""
}

// Err is the failure that force-completed the exchange, if any.
func (a *Accumulator) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.failed
}

// Snapshot is a consistent view for renderers.
type Snapshot struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Empty     bool   `json:"empty"`
	Complete  bool   `json:"complete"`
	Failed    bool   `json:"failed,omitempty"`
}

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	text := a.text.String()
	return Snapshot{
		ID:        a.id,
		SessionID: a.sessionID,
		Text:      text,
		Empty:     strings.TrimSpace(text) == "",
		Complete:  a.state == Complete,
		Failed:    a.failed != nil,
	}
}
