package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flintttan/n8n-chat-widget/pkg/events"
	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
	"github.com/flintttan/n8n-chat-widget/pkg/render"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// printer writes controller events to a terminal. In stream mode partial
// text is written as it grows; otherwise the final reply is rendered once.
type printer struct {
	out      io.Writer
	st       styles
	stream   bool
	renderer render.Renderer
	raw      bool

	current   string
	shown     string
	completes chan events.Event
}

func newPrinter(out io.Writer, st styles, stream bool, renderer render.Renderer) *printer {
	if renderer == nil {
		renderer = render.Text{}
	}
	return &printer{
		out:       out,
		st:        st,
		stream:    stream,
		renderer:  renderer,
		completes: make(chan events.Event, 8),
	}
}

// consume drains ch until it closes. It must run for the whole life of the
// bus subscription so publishers never block on it.
func (p *printer) consume(ch <-chan events.Event) {
	defer close(p.completes)
	for e := range ch {
		p.handle(e)
	}
}

func (p *printer) handle(e events.Event) {
	switch e.Type {
	case events.TypePartial:
		if !p.stream {
			return
		}
		p.write(e.ExchangeID, e.Text)
	case events.TypeComplete:
		p.finish(e)
		select {
		case p.completes <- e:
		default:
			log.Debug().Str("exchange", e.ExchangeID).Msg("no turn waiting for completion")
		}
	case events.TypeSession:
		log.Debug().Str("session", e.SessionID).Msg("session assigned")
	}
}

func (p *printer) write(id, text string) {
	if id != p.current {
		p.current = id
		p.shown = ""
		_, _ = fmt.Fprint(p.out, p.st.assistant.Render("assistant")+" ")
	}
	// accumulated text only grows
	if !strings.HasPrefix(text, p.shown) {
		return
	}
	_, _ = io.WriteString(p.out, text[len(p.shown):])
	p.shown = text
}

func (p *printer) finish(e events.Event) {
	switch {
	case p.stream:
		p.write(e.ExchangeID, e.Text)
		_, _ = fmt.Fprintln(p.out)
	case e.Empty && !e.Failed:
		_, _ = fmt.Fprintln(p.out, p.st.muted.Render("(empty reply)"))
	default:
		out, err := p.renderer.Render(e.Text)
		if err != nil {
			log.Warn().Err(err).Msg("render failed, printing plain text")
			out = e.Text
		}
		_, _ = fmt.Fprintln(p.out, p.st.assistant.Render("assistant"))
		_, _ = fmt.Fprintln(p.out, strings.TrimRight(out, "\n"))
	}
	p.current = ""
	p.shown = ""

	if p.raw {
		return
	}
	for _, v := range e.Blocks {
		_, _ = fmt.Fprintln(p.out, p.st.block.Render(jsonblock.RenderText(v)))
	}
}

// wait blocks until the exchange id completes.
func (p *printer) wait(ctx context.Context, id string, grace time.Duration) (events.Event, error) {
	var timeout <-chan time.Time
	done := ctx.Done()
	for {
		select {
		case e, ok := <-p.completes:
			if !ok {
				return events.Event{}, errors.New("event stream closed")
			}
			if e.ExchangeID == id {
				return e, nil
			}
		case <-done:
			// the controller still commits a cancelled turn; give it time
			done = nil
			timeout = time.After(grace)
		case <-timeout:
			return events.Event{}, errors.Wrap(ctx.Err(), "waiting for reply")
		}
	}
}
