package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/events"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
	"github.com/flintttan/n8n-chat-widget/pkg/kv"
	"github.com/flintttan/n8n-chat-widget/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type requestLog struct {
	mu   sync.Mutex
	reqs []map[string]string
}

func (l *requestLog) add(r *http.Request) {
	payload := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(1 << 20)
		payload["chatInput"] = r.FormValue("chatInput")
		payload["sessionId"] = r.FormValue("sessionId")
		payload["files"] = fmt.Sprint(len(r.MultipartForm.File["data"]))
	} else {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, payload)
}

func (l *requestLog) all() []map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]map[string]string(nil), l.reqs...)
}

func sse(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, l := range lines {
			_, _ = io.WriteString(w, l)
			fl.Flush()
		}
	}
}

type fixture struct {
	c      *Controller
	events *recorder
	log    *requestLog
	store  *history.Store
}

func newFixture(t *testing.T, handler http.HandlerFunc, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	reqs := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqs.add(r)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.WebhookURL = srv.URL
	cfg.Storage = kv.Settings{Backend: kv.BackendMemory}
	for _, m := range mutate {
		m(cfg)
	}
	store := history.Open(context.Background(), kv.NewMemory(), cfg.HistoryOptions())
	rec := &recorder{}
	var n atomic.Int32
	c, err := New(Options{
		Config:    cfg,
		Store:     store,
		Publisher: rec,
		NewSessionID: func() string {
			return fmt.Sprintf("session_test_%d", n.Add(1))
		},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &fixture{c: c, events: rec, log: reqs, store: store}
}

func submit(t *testing.T, c *Controller, text string) Result {
	t.Helper()
	ex, err := c.Submit(context.Background(), text, nil)
	require.NoError(t, err)
	select {
	case <-ex.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("exchange did not complete")
	}
	return ex.Wait()
}

func TestStreamingExchange(t *testing.T) {
	f := newFixture(t, sse(
		"data: {\"content\":\"Hel\"}\n\n",
		"data: {\"content\":\"lo\"}\n",
		": keep-alive\n",
		"data: {\"sessionId\":\"srv-1\"}\n",
		"plain line\n",
	))

	res := submit(t, f.c, "  hi  ")
	require.NoError(t, res.Err)
	require.Equal(t, "Helloplain line\n", res.Text)
	require.Equal(t, "srv-1", res.SessionID)
	require.Equal(t, "srv-1", f.c.SessionID())

	require.Equal(t, []map[string]string{{"chatInput": "hi", "sessionId": "session_test_1"}}, f.log.all())

	conv, ok := f.store.Active()
	require.True(t, ok)
	require.Equal(t, "hi", conv.Title)
	require.Equal(t, "srv-1", conv.SessionID)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, history.RoleAssistant, conv.Messages[1].Role)
	require.Equal(t, "Helloplain line\n", conv.Messages[1].Content)

	partials := f.events.ofType(events.TypePartial)
	require.Len(t, partials, 3)
	require.Equal(t, "Hel", partials[0].Text)
	require.Equal(t, "Hello", partials[1].Text)

	sessions := f.events.ofType(events.TypeSession)
	require.Len(t, sessions, 1)
	require.Equal(t, "srv-1", sessions[0].SessionID)

	completes := f.events.ofType(events.TypeComplete)
	require.Len(t, completes, 1)
	require.Equal(t, res.Text, completes[0].Text)
	require.False(t, completes[0].Failed)

	st := f.c.QueryState()
	require.False(t, st.IsStreaming)
	require.Equal(t, 0, st.ActiveIndex)
	require.Len(t, st.HistoryList, 1)
}

func TestBufferedJSONExchange(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":"{\"output\":\"nested\",\"sessionId\":\"s9\"}"}`)
	}, func(c *config.Config) { c.DisableStreaming = true })
	res := submit(t, f.c, "q")
	require.NoError(t, res.Err)
	require.Equal(t, "nested", res.Text)
	require.Equal(t, "s9", f.c.SessionID())
	require.Empty(t, f.events.ofType(events.TypePartial))
}

func TestJSONLinesUnderApplicationJSONStream(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = io.WriteString(w, `{"type":"begin","metadata":{"nodeName":"Agent"}}`+"\n")
		_, _ = io.WriteString(w, `{"type":"item","content":"Hel"}`+"\n")
		_, _ = io.WriteString(w, `{"type":"item","content":"lo"}`+"\n")
		_, _ = io.WriteString(w, `{"type":"end","metadata":{"nodeName":"Agent"}}`+"\n")
	})
	res := submit(t, f.c, "q")
	require.NoError(t, res.Err)
	require.Equal(t, "Hello", res.Text)
	require.Len(t, f.events.ofType(events.TypePartial), 2)
}

func TestBufferedPlainText(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "just text")
	}, func(c *config.Config) { c.DisableStreaming = true })
	res := submit(t, f.c, "q")
	require.Equal(t, "just text", res.Text)
}

func TestJSONBlocksOnComplete(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"output":"Result:\n`+"```json"+`\n{\"a\":1,\"b\":[1,2,3]}\n`+"```"+`"}`)
	})
	res := submit(t, f.c, "q")
	require.Len(t, res.Blocks, 1)
	require.Equal(t, jsonblock.KindRows, res.Blocks[0].View.Kind)
	require.Len(t, res.Blocks[0].View.Rows, 2)

	completes := f.events.ofType(events.TypeComplete)
	require.Len(t, completes, 1)
	require.Len(t, completes[0].Blocks, 1)
}

func TestTransportFailureYieldsOneAssistantMessage(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow crashed", http.StatusInternalServerError)
	})
	res := submit(t, f.c, "q")
	require.Error(t, res.Err)
	require.True(t, res.Failed())
	require.True(t, strings.HasPrefix(res.Text, "❌ Error: "), res.Text)
	require.Contains(t, res.Text, "500")

	conv, ok := f.store.Active()
	require.True(t, ok)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, res.Text, conv.Messages[1].Content)
	require.True(t, f.events.ofType(events.TypeComplete)[0].Failed)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type fakeSender struct {
	resp func(ctx context.Context, req transport.Request) (*transport.Response, error)
}

func (s fakeSender) Send(ctx context.Context, req transport.Request) (*transport.Response, error) {
	return s.resp(ctx, req)
}

func TestMidStreamFailureKeepsText(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookURL = "http://example.invalid/hook"
	store := history.Open(context.Background(), nil, cfg.HistoryOptions())
	c, err := New(Options{
		Config: cfg,
		Store:  store,
		Sender: fakeSender{resp: func(context.Context, transport.Request) (*transport.Response, error) {
			body := io.MultiReader(strings.NewReader("data: {\"content\":\"partial\"}\n"), errReader{io.ErrUnexpectedEOF})
			return &transport.Response{Streaming: true, Status: 200, Body: io.NopCloser(body)}, nil
		}},
	})
	require.NoError(t, err)

	res := submit(t, c, "q")
	require.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
	require.True(t, strings.HasPrefix(res.Text, "partial\n\n❌ Error: "), res.Text)
	require.Contains(t, res.Text, "unexpected EOF")
}

// cancelAtEOF delivers body and then cancels the turn as it reports io.EOF.
type cancelAtEOF struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelAtEOF) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if errors.Is(err, io.EOF) {
		c.cancel()
	}
	return n, err
}

func TestCancelAfterEOFKeepsCompleteReply(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookURL = "http://example.invalid/hook"
	store := history.Open(context.Background(), nil, cfg.HistoryOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(Options{
		Config: cfg,
		Store:  store,
		Sender: fakeSender{resp: func(context.Context, transport.Request) (*transport.Response, error) {
			body := &cancelAtEOF{r: strings.NewReader("data: {\"content\":\"done\"}\n"), cancel: cancel}
			return &transport.Response{Streaming: true, Status: 200, Body: io.NopCloser(body)}, nil
		}},
	})
	require.NoError(t, err)

	ex, err := c.Submit(ctx, "q", nil)
	require.NoError(t, err)
	select {
	case <-ex.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("exchange did not complete")
	}
	res := ex.Wait()
	require.NoError(t, res.Err)
	require.Equal(t, "done", res.Text)
	require.NotContains(t, res.Text, "⏹")

	conv, ok := store.Active()
	require.True(t, ok)
	require.Equal(t, "done", conv.Messages[len(conv.Messages)-1].Content)
}

// blockingServer sends one fragment for requests whose chatInput is "slow"
// and then waits for the client to go away; other requests get "fast".
func blockingServer(release <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		if r.Header.Get("X-Slow") == "" {
			_, _ = io.WriteString(w, "data: {\"content\":\"fast\"}\n")
			return
		}
		_, _ = io.WriteString(w, "data: {\"content\":\"first\"}\n")
		fl.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}
}

func TestCancelCurrent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, blockingServer(release), func(c *config.Config) {
		c.Headers = map[string]string{"X-Slow": "1"}
	})

	ex, err := f.c.Submit(context.Background(), "q", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := f.c.QueryState()
		return st.IsStreaming && st.AccumulatedText == "first"
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, f.c.CancelCurrent())
	res := ex.Wait()
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Equal(t, "first\n\n⏹ Request cancelled.", res.Text)
	require.False(t, f.c.QueryState().IsStreaming)
	require.False(t, f.c.CancelCurrent())

	conv, _ := f.store.Active()
	require.Len(t, conv.Messages, 2)
}

func TestSubmitCancelsInFlight(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, blockingServer(release), func(c *config.Config) {
		c.Headers = map[string]string{"X-Slow": "1"}
	})

	first, err := f.c.Submit(context.Background(), "one", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.c.QueryState().AccumulatedText == "first"
	}, 5*time.Second, 10*time.Millisecond)

	// the second request goes to the same slow server, so cancel it too
	second, err := f.c.Submit(context.Background(), "two", nil)
	require.NoError(t, err)
	firstRes := first.Wait()
	require.ErrorIs(t, firstRes.Err, context.Canceled)

	require.Eventually(t, func() bool {
		return f.c.QueryState().AccumulatedText == "first"
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, f.c.CancelCurrent())
	second.Wait()

	conv, ok := f.store.Active()
	require.True(t, ok)
	roles := []history.Role{}
	for _, m := range conv.Messages {
		roles = append(roles, m.Role)
	}
	require.Equal(t, []history.Role{history.RoleUser, history.RoleAssistant, history.RoleUser, history.RoleAssistant}, roles)
	require.Equal(t, "one", conv.Messages[0].Content)
	require.Equal(t, "first\n\n⏹ Request cancelled.", conv.Messages[1].Content)
	require.Equal(t, "two", conv.Messages[2].Content)
}

func TestEmptySubmission(t *testing.T) {
	f := newFixture(t, sse())
	_, err := f.c.Submit(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrEmptySubmission)
	require.Equal(t, 0, f.store.Len())
	require.Empty(t, f.log.all())
}

func TestAttachments(t *testing.T) {
	f := newFixture(t, sse("data: {\"output\":\"seen\"}\n"))

	_, err := f.c.Submit(context.Background(), "", []transport.Attachment{{Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}})
	require.ErrorIs(t, err, ErrUnsupportedAttachment)
	require.Equal(t, 0, f.store.Len())

	ex, err := f.c.Submit(context.Background(), "", []transport.Attachment{{Name: "a.png", MIMEType: "image/png", Data: []byte("png")}})
	require.NoError(t, err)
	res := ex.Wait()
	require.Equal(t, "seen", res.Text)

	reqs := f.log.all()
	require.Len(t, reqs, 1)
	require.Equal(t, "Please analyze this image", reqs[0]["chatInput"])
	require.Equal(t, "1", reqs[0]["files"])

	conv, _ := f.store.Active()
	require.Equal(t, "Please analyze this image", conv.Messages[0].Content)
	require.Equal(t, []string{"data:image/png;base64,cG5n"}, conv.Messages[0].Images)
}

func TestAttachmentsDisabled(t *testing.T) {
	f := newFixture(t, sse(), func(c *config.Config) { c.Attachments.Enabled = false })
	_, err := f.c.Submit(context.Background(), "x", []transport.Attachment{{Name: "a.png", MIMEType: "image/png"}})
	require.ErrorIs(t, err, ErrUnsupportedAttachment)
}

func TestMissingEndpointIsFatal(t *testing.T) {
	cfg := config.Default()
	_, err := New(Options{Config: cfg})
	require.ErrorIs(t, err, config.ErrMissingEndpoint)

	_, err = New(Options{})
	require.ErrorIs(t, err, config.ErrMissingEndpoint)
}

func TestConversationOperations(t *testing.T) {
	f := newFixture(t, sse("data: {\"content\":\"ok\"}\n"))
	ctx := context.Background()

	submit(t, f.c, "first conversation")
	require.Equal(t, "session_test_1", f.c.SessionID())

	f.c.StartNewConversation(ctx)
	require.Equal(t, "", f.c.SessionID())
	st := f.c.QueryState()
	require.Equal(t, history.NewConversation, st.ActiveIndex)
	require.Nil(t, st.ActiveConversation)

	submit(t, f.c, "second conversation")
	require.Equal(t, "session_test_2", f.c.SessionID())
	require.Equal(t, 2, f.store.Len())

	conv, err := f.c.ResumeConversation(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "first conversation", conv.Title)
	require.Equal(t, "session_test_1", f.c.SessionID())

	submit(t, f.c, "follow up")
	reqs := f.log.all()
	require.Equal(t, "session_test_1", reqs[len(reqs)-1]["sessionId"])
	got, err := f.store.Get(0)
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)

	_, err = f.c.ResumeConversation(ctx, 7)
	require.ErrorIs(t, err, history.ErrOutOfRange)
	require.Equal(t, 0, f.store.ActiveIndex())
	require.ErrorIs(t, f.c.DeleteConversation(ctx, -2), history.ErrOutOfRange)

	require.NoError(t, f.c.DeleteConversation(ctx, 1))
	require.Equal(t, 0, f.store.ActiveIndex())
	require.Equal(t, "session_test_1", f.c.SessionID())

	require.NoError(t, f.c.DeleteConversation(ctx, 0))
	require.Equal(t, history.NewConversation, f.store.ActiveIndex())
	require.Equal(t, "", f.c.SessionID())

	submit(t, f.c, "third")
	f.c.ClearAllHistory(ctx)
	require.Equal(t, 0, f.store.Len())
	require.Equal(t, "", f.c.SessionID())
	require.NotEmpty(t, f.events.ofType(events.TypeHistory))
}

func TestFormatBlocks(t *testing.T) {
	require.Nil(t, FormatBlocks("no json here"))

	blocks := FormatBlocks("inline {\"k\":\"v\"} value")
	require.Len(t, blocks, 1)
	require.Equal(t, jsonblock.StrategyBraces, blocks[0].Strategy)

	blocks = FormatBlocks("```json\n[1,2]\n```\n\n```json\n{\"a\":1}\n```")
	require.Len(t, blocks, 2)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	cfg := config.Default()
	cfg.WebhookURL = "http://example.invalid/hook"
	c, err := New(Options{
		Config:    cfg,
		Publisher: failingPublisher{},
		Sender: fakeSender{resp: func(context.Context, transport.Request) (*transport.Response, error) {
			return &transport.Response{Body: io.NopCloser(strings.NewReader("done"))}, nil
		}},
	})
	require.NoError(t, err)
	res := submit(t, c, "q")
	require.NoError(t, res.Err)
	require.Equal(t, "done", res.Text)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("bus down")
}
