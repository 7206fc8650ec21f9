package widget

import (
	"context"

	"github.com/flintttan/n8n-chat-widget/pkg/exchange"
	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
)

// Result is the committed outcome of one exchange.
type Result struct {
	ExchangeID string
	SessionID  string
	Text       string
	// Err is the transport or read failure, or context.Canceled. The
	// notice for it is already part of Text.
	Err    error
	Blocks []*jsonblock.Block
}

func (r Result) Failed() bool { return r.Err != nil }

// Exchange is a handle on one in-flight request/response turn.
type Exchange struct {
	acc    *exchange.Accumulator
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

func (e *Exchange) ID() string { return e.acc.ID() }

// Snapshot is the live accumulator state.
func (e *Exchange) Snapshot() exchange.Snapshot { return e.acc.Snapshot() }

// Done is closed once the assistant turn has been committed.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Cancel asks the transport to stop; the exchange still commits, with a
// cancellation notice.
func (e *Exchange) Cancel() { e.cancel() }

// Wait blocks until the exchange is committed.
func (e *Exchange) Wait() Result {
	<-e.done
	return e.result
}
