// Package widget is the per-instance chat controller. It owns the session
// id, the single in-flight exchange and the history store, and drives the
// decode, normalise, accumulate and commit pipeline for each turn.
package widget

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/envelope"
	"github.com/flintttan/n8n-chat-widget/pkg/events"
	"github.com/flintttan/n8n-chat-widget/pkg/exchange"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
	"github.com/flintttan/n8n-chat-widget/pkg/kv"
	"github.com/flintttan/n8n-chat-widget/pkg/stream"
	"github.com/flintttan/n8n-chat-widget/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptySubmission       = errors.New("widget: empty submission")
	ErrUnsupportedAttachment = errors.New("widget: unsupported attachment")
)

// Sender is the transport collaborator.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

type Options struct {
	Config *config.Config
	// Store defaults to an in-memory history store.
	Store *history.Store
	// Sender defaults to an HTTP transport built from Config.
	Sender     Sender
	Normalizer *envelope.Normalizer
	Publisher  events.Publisher
	// NewSessionID defaults to transport.NewSessionID.
	NewSessionID func() string
}

type Controller struct {
	cfg        *config.Config
	store      *history.Store
	sender     Sender
	normalizer *envelope.Normalizer
	publisher  events.Publisher
	accept     transport.AcceptList
	newSession func() string

	// opMu serialises the public operations that change the session or
	// the in-flight exchange.
	opMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	inflight  *Exchange
}

// New validates the configuration; a missing endpoint is fatal.
func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.Wrap(config.ErrMissingEndpoint, "widget: nil config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:        opts.Config,
		store:      opts.Store,
		sender:     opts.Sender,
		normalizer: opts.Normalizer,
		publisher:  opts.Publisher,
		accept:     opts.Config.Accept(),
		newSession: opts.NewSessionID,
	}
	if c.store == nil {
		c.store = history.Open(context.Background(), kv.NewMemory(), opts.Config.HistoryOptions())
	}
	if c.sender == nil {
		t, err := transport.New(opts.Config.TransportOptions())
		if err != nil {
			return nil, err
		}
		c.sender = t
	}
	if c.normalizer == nil {
		c.normalizer = envelope.New()
	}
	if c.publisher == nil {
		c.publisher = events.Discard
	}
	if c.newSession == nil {
		c.newSession = transport.NewSessionID
	}
	return c, nil
}

func (c *Controller) Store() *history.Store { return c.store }

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Submit records the user turn and starts the exchange in the background. An
// exchange already in flight is cancelled and committed first.
func (c *Controller) Submit(ctx context.Context, text string, attachments []transport.Attachment) (*Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return nil, ErrEmptySubmission
	}
	for _, a := range attachments {
		if !c.cfg.Attachments.Enabled {
			return nil, errors.Wrap(ErrUnsupportedAttachment, "attachments are disabled")
		}
		if !c.accept.Allows(a.MIMEType, a.Name) {
			return nil, errors.Wrapf(ErrUnsupportedAttachment, "%s (%s) is not in %s", a.Name, a.MIMEType, c.accept)
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.drain()

	persistCtx := context.WithoutCancel(ctx)
	c.mu.Lock()
	if c.sessionID == "" {
		c.sessionID = c.newSession()
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	if active, ok := c.store.Active(); !ok || active.SessionID == "" {
		c.store.SetSessionID(persistCtx, sessionID)
	}

	prompt := text
	if prompt == "" {
		prompt = c.cfg.Attachments.DefaultPrompt
	}
	var images []string
	for _, a := range attachments {
		images = append(images, a.DataURL())
	}
	c.store.Append(persistCtx, history.RoleUser, prompt, images)
	c.publishHistory(persistCtx)

	runCtx, cancel := context.WithCancel(ctx)
	ex := &Exchange{
		acc:    exchange.New(sessionID),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.inflight = ex
	c.mu.Unlock()

	log.Debug().Str("component", "widget").Str("exchange", ex.ID()).Str("session", sessionID).Int("attachments", len(attachments)).Msg("submitting turn")
	go c.run(runCtx, ex, transport.Request{
		ChatInput:   prompt,
		SessionID:   sessionID,
		Attachments: attachments,
	})
	return ex, nil
}

// run is the single consumer of one response.
func (c *Controller) run(ctx context.Context, ex *Exchange, req transport.Request) {
	defer close(ex.done)
	defer ex.cancel()

	resp, err := c.sender.Send(ctx, req)
	if err != nil {
		c.fail(ctx, ex, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.Streaming {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.fail(ctx, ex, errors.Wrap(err, "read response"))
			return
		}
		out := c.normalizer.NormalizeDocument(string(body))
		c.applySession(ctx, out)
		_ = ex.acc.Finish(out.Fragment)
		c.commit(ctx, ex)
		return
	}

	for rec, err := range stream.Records(resp.Body, stream.DefaultChunkSize) {
		if err != nil {
			c.fail(ctx, ex, err)
			return
		}
		out := c.normalizer.Normalize(rec)
		c.applySession(ctx, out)
		if !out.HasFragment {
			continue
		}
		if err := ex.acc.Append(out.Fragment); err != nil {
			break
		}
		snap := ex.acc.Snapshot()
		c.publish(ctx, events.Event{
			Type:       events.TypePartial,
			ExchangeID: snap.ID,
			Text:       snap.Text,
			Empty:      snap.Empty,
			SessionID:  snap.SessionID,
		})
	}
	// a cancel that lands after EOF does not undo a complete reply
	_ = ex.acc.Finish("")
	c.commit(ctx, ex)
}

func (c *Controller) applySession(ctx context.Context, out envelope.Outcome) {
	if !out.HasSessionID || out.SessionID == "" {
		return
	}
	c.mu.Lock()
	changed := c.sessionID != out.SessionID
	c.sessionID = out.SessionID
	c.mu.Unlock()
	if !changed {
		return
	}
	c.store.SetSessionID(context.WithoutCancel(ctx), out.SessionID)
	c.publish(ctx, events.Event{Type: events.TypeSession, SessionID: out.SessionID})
}

func (c *Controller) fail(ctx context.Context, ex *Exchange, err error) {
	// a cancelled request surfaces as whatever the body read returned
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if errors.Is(err, context.Canceled) {
		log.Info().Str("component", "widget").Str("exchange", ex.ID()).Msg("exchange cancelled")
	} else {
		log.Warn().Err(err).Str("component", "widget").Str("exchange", ex.ID()).Msg("exchange failed")
	}
	_ = ex.acc.Fail(err)
	c.commit(ctx, ex)
}

// commit hands the terminal text to the store exactly once, then formats and
// announces it.
func (c *Controller) commit(ctx context.Context, ex *Exchange) {
	persistCtx := context.WithoutCancel(ctx)
	text := ex.acc.Text()
	c.store.Append(persistCtx, history.RoleAssistant, text, nil)

	var blocks []*jsonblock.Block
	if ex.acc.Err() == nil {
		blocks = FormatBlocks(text)
	}
	views := make([]jsonblock.View, 0, len(blocks))
	for _, b := range blocks {
		views = append(views, b.View)
	}

	c.mu.Lock()
	if c.inflight == ex {
		c.inflight = nil
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	ex.result = Result{
		ExchangeID: ex.ID(),
		SessionID:  sessionID,
		Text:       text,
		Err:        ex.acc.Err(),
		Blocks:     blocks,
	}

	snap := ex.acc.Snapshot()
	c.publish(persistCtx, events.Event{
		Type:       events.TypeComplete,
		ExchangeID: snap.ID,
		Text:       snap.Text,
		Empty:      snap.Empty,
		Failed:     snap.Failed,
		SessionID:  sessionID,
		Blocks:     views,
	})
	c.publishHistory(persistCtx)
}

// FormatBlocks finds JSON in finished text: fenced code blocks first, then
// the extraction strategies over the whole text.
func FormatBlocks(text string) []*jsonblock.Block {
	if blocks := jsonblock.EnhanceCodeBlocks(text); len(blocks) > 0 {
		return blocks
	}
	if b, ok := jsonblock.Format(text); ok {
		return []*jsonblock.Block{b}
	}
	return nil
}

// drain cancels the in-flight exchange and waits for it to commit. Callers
// hold opMu.
func (c *Controller) drain() bool {
	c.mu.Lock()
	ex := c.inflight
	c.mu.Unlock()
	if ex == nil {
		return false
	}
	ex.cancel()
	<-ex.done
	return true
}

// CancelCurrent cancels the in-flight exchange, if any, and waits until it
// has been committed with a cancellation notice.
func (c *Controller) CancelCurrent() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.drain()
}

// StartNewConversation forgets the session; the next Submit starts a new
// conversation.
func (c *Controller) StartNewConversation(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.drain()
	c.store.StartNew()
	c.setSession("")
	c.publishHistory(ctx)
}

// ResumeConversation makes conversation i active and restores its session.
func (c *Controller) ResumeConversation(ctx context.Context, i int) (history.Conversation, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if _, err := c.store.Get(i); err != nil {
		return history.Conversation{}, err
	}
	c.drain()
	conv, err := c.store.Resume(i)
	if err != nil {
		return history.Conversation{}, err
	}
	c.setSession(conv.SessionID)
	c.publishHistory(ctx)
	return conv, nil
}

// DeleteConversation removes conversation i. Deleting the active
// conversation cancels its exchange and forgets the session.
func (c *Controller) DeleteConversation(ctx context.Context, i int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if _, err := c.store.Get(i); err != nil {
		return err
	}
	wasActive := c.store.ActiveIndex() == i
	if wasActive {
		c.drain()
	}
	if err := c.store.Remove(ctx, i); err != nil {
		return err
	}
	if wasActive {
		c.setSession("")
	}
	c.publishHistory(ctx)
	return nil
}

func (c *Controller) ClearAllHistory(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.drain()
	c.store.ClearAll(ctx)
	c.setSession("")
	c.publishHistory(ctx)
}

// Close cancels any in-flight exchange.
func (c *Controller) Close() {
	c.CancelCurrent()
}

func (c *Controller) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Controller) publishHistory(ctx context.Context) {
	active := c.store.ActiveIndex()
	c.publish(ctx, events.Event{
		Type:      events.TypeHistory,
		SessionID: c.SessionID(),
		History:   c.store.List(),
		Active:    &active,
	})
}

func (c *Controller) publish(ctx context.Context, e events.Event) {
	if err := c.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		log.Warn().Err(err).Str("component", "widget").Str("type", string(e.Type)).Msg("failed to publish event")
	}
}
