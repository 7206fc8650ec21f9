package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/render"
	"github.com/flintttan/n8n-chat-widget/pkg/transport"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// cancelGrace bounds how long a cancelled turn may take to commit.
const cancelGrace = 5 * time.Second

type turnFlags struct {
	attach []string
	raw    bool
	stream bool
}

func (f *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.attach, "attach", nil, "file to attach (repeatable)")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "print replies without markdown rendering or JSON blocks")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "print partial text as it arrives even on a terminal")
}

func loadAttachments(paths []string) ([]transport.Attachment, error) {
	out := make([]transport.Attachment, 0, len(paths))
	for _, p := range paths {
		a, err := transport.LoadAttachment(p)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// newTerminalPrinter streams raw text when markdown is off or output is not a
// terminal, and renders finished replies with glamour otherwise.
func newTerminalPrinter(out io.Writer, cfg *config.Config, f *turnFlags) (*printer, error) {
	tty := false
	if file, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(file.Fd())
	}
	stream := f.stream || f.raw || !cfg.Render.Markdown || !tty
	var r render.Renderer = render.Text{}
	if !stream {
		t, err := render.NewTerminal(cfg.Render.Style, cfg.Render.Width)
		if err != nil {
			return nil, err
		}
		r = t
	}
	p := newPrinter(out, newStyles(cfg.Theme), stream, r)
	p.raw = f.raw
	return p, nil
}

// session is a controller plus a printer consuming its events.
type session struct {
	app *app
	p   *printer
}

func openSession(ctx context.Context, cfg *config.Config, out io.Writer, f *turnFlags) (*session, error) {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p, err := newTerminalPrinter(out, cfg, f)
	if err != nil {
		a.Close()
		return nil, err
	}
	ch, err := a.bus.Subscribe(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	go p.consume(ch)
	return &session{app: a, p: p}, nil
}

// turn submits one message and blocks until its reply is committed.
func (s *session) turn(ctx context.Context, text string, atts []transport.Attachment) error {
	ex, err := s.app.ctrl.Submit(ctx, text, atts)
	if err != nil {
		return err
	}
	if _, err := s.p.wait(ctx, ex.ID(), cancelGrace); err != nil {
		return err
	}
	if res := ex.Wait(); res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		return errors.Wrap(res.Err, "reply failed")
	}
	return nil
}

func newSendCommand(cfg func() *config.Config) *cobra.Command {
	flags := &turnFlags{}
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send one message and print the reply",
		Long:  "Send one message to the webhook and print the reply. With no arguments the message is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read stdin")
				}
				text = string(b)
			}
			atts, err := loadAttachments(flags.attach)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := openSession(context.WithoutCancel(ctx), cfg(), cmd.OutOrStdout(), flags)
			if err != nil {
				return err
			}
			defer s.app.Close()
			if err := s.turn(ctx, text, atts); err != nil {
				return err
			}
			if sid := s.app.ctrl.SessionID(); sid != "" {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), s.p.st.muted.Render("session "+sid))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
