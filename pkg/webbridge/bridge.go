// Package webbridge exposes a widget controller to browser widgets over a
// websocket. Commands come in per connection; controller events go out to
// every connection.
package webbridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/flintttan/n8n-chat-widget/pkg/events"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
	"github.com/flintttan/n8n-chat-widget/pkg/render"
	"github.com/flintttan/n8n-chat-widget/pkg/transport"
	"github.com/flintttan/n8n-chat-widget/pkg/widget"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	CmdSubmit = "submit"
	CmdCancel = "cancel"
	CmdNew    = "new"
	CmdResume = "resume"
	CmdDelete = "delete"
	CmdClear  = "clear"
	CmdState  = "state"
)

type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	// Data is base64 in JSON.
	Data []byte `json:"data"`
}

type Command struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	Index       int          `json:"index,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// eventFrame is an event plus its safe HTML, for widgets that do not render
// markdown themselves.
type eventFrame struct {
	events.Event
	HTML       string   `json:"html,omitempty"`
	BlocksHTML []string `json:"blocksHtml,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type stateFrame struct {
	Type  string       `json:"type"`
	State widget.State `json:"state"`
}

type conversationFrame struct {
	Type         string               `json:"type"`
	Index        int                  `json:"index"`
	Conversation history.Conversation `json:"conversation"`
}

type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, error)
}

type Server struct {
	ctrl     *widget.Controller
	bus      Subscriber
	renderer render.Renderer
	pool     *ConnectionPool
	upgrader websocket.Upgrader

	// ctx outlives single connections; exchanges run under it.
	ctx  context.Context
	done chan struct{}
}

type Option func(*Server)

// WithRenderer replaces the default sanitising HTML renderer.
func WithRenderer(r render.Renderer) Option {
	return func(s *Server) { s.renderer = r }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

func NewServer(ctrl *widget.Controller, bus Subscriber, opts ...Option) *Server {
	s := &Server{
		ctrl:     ctrl,
		bus:      bus,
		renderer: render.NewHTML(),
		pool:     NewConnectionPool(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		ctx:      context.Background(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Pool() *ConnectionPool { return s.pool }

// Start subscribes to the bus and forwards events until ctx is done. The
// subscription is in place when Start returns.
func (s *Server) Start(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "webbridge: subscribe")
	}
	s.ctx = ctx
	go func() {
		defer close(s.done)
		defer s.pool.CloseAll()
		for e := range ch {
			s.pool.Broadcast(s.frame(e))
		}
	}()
	return nil
}

// Done is closed when forwarding stops.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) frame(e events.Event) []byte {
	f := eventFrame{Event: e}
	if e.Type == events.TypeComplete {
		if html, err := s.renderer.Render(e.Text); err == nil {
			f.HTML = html
		} else {
			log.Warn().Err(err).Str("component", "webbridge").Msg("render failed")
		}
		for _, v := range e.Blocks {
			f.BlocksHTML = append(f.BlocksHTML, jsonblock.RenderHTML(v))
		}
	}
	b, err := json.Marshal(f)
	if err != nil {
		log.Warn().Err(err).Str("component", "webbridge").Msg("encode event failed")
		return nil
	}
	return b
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.ctrl.QueryState())
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	s.pool.Add(conn, req.RemoteAddr)
	defer s.pool.Remove(conn)
	log.Debug().Str("component", "webbridge").Str("remote", req.RemoteAddr).Msg("widget connected")

	s.send(conn, stateFrame{Type: CmdState, State: s.ctrl.QueryState()})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("component", "webbridge").Msg("ws read ended")
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.sendError(conn, errors.Wrap(err, "invalid command"))
			continue
		}
		if err := s.dispatch(conn, cmd); err != nil {
			s.sendError(conn, err)
		}
	}
}

func (s *Server) dispatch(conn wsConn, cmd Command) error {
	switch cmd.Type {
	case CmdSubmit:
		atts := make([]transport.Attachment, 0, len(cmd.Attachments))
		for _, a := range cmd.Attachments {
			atts = append(atts, transport.Attachment{Name: a.Name, MIMEType: a.MIMEType, Data: a.Data})
		}
		_, err := s.ctrl.Submit(s.ctx, cmd.Text, atts)
		return err
	case CmdCancel:
		s.ctrl.CancelCurrent()
		return nil
	case CmdNew:
		s.ctrl.StartNewConversation(s.ctx)
		return nil
	case CmdResume:
		conv, err := s.ctrl.ResumeConversation(s.ctx, cmd.Index)
		if err != nil {
			return err
		}
		s.send(conn, conversationFrame{Type: "conversation", Index: cmd.Index, Conversation: conv})
		return nil
	case CmdDelete:
		return s.ctrl.DeleteConversation(s.ctx, cmd.Index)
	case CmdClear:
		s.ctrl.ClearAllHistory(s.ctx)
		return nil
	case CmdState:
		s.send(conn, stateFrame{Type: CmdState, State: s.ctrl.QueryState()})
		return nil
	default:
		return errors.Errorf("unknown command %q", cmd.Type)
	}
}

func (s *Server) send(conn wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("component", "webbridge").Msg("encode frame failed")
		return
	}
	s.pool.SendToOne(conn, b)
}

func (s *Server) sendError(conn wsConn, err error) {
	s.send(conn, errorFrame{Type: "error", Error: err.Error()})
}
