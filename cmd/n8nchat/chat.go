package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/flintttan/n8n-chat-widget/pkg/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type replCommand struct {
	name string
	arg  string
}

// parseLine splits a "/name arg" line. Lines without a leading slash are
// messages.
func parseLine(line string) (replCommand, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return replCommand{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return replCommand{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func (c replCommand) index() (int, error) {
	i, err := strconv.Atoi(c.arg)
	if err != nil {
		return 0, errors.Errorf("/%s needs a conversation number", c.name)
	}
	return i, nil
}

const replHelp = `/new            start a new conversation
/history        list saved conversations
/resume N       continue conversation N
/delete N       delete conversation N
/clear          delete every conversation
/attach PATH    attach a file to the next message
/help           show this help
/quit           leave`

type repl struct {
	s       *session
	in      *bufio.Scanner
	out     io.Writer
	pending []transport.Attachment
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// command runs one slash command; it reports false when the loop should end.
func (r *repl) command(ctx context.Context, c replCommand) (bool, error) {
	ctrl := r.s.app.ctrl
	st := r.s.p.st
	switch c.name {
	case "quit", "exit", "q":
		return false, nil
	case "help", "?":
		r.printf("%s\n", st.muted.Render(replHelp))
	case "new":
		ctrl.StartNewConversation(ctx)
		r.printf("%s\n", st.muted.Render("new conversation"))
	case "history":
		printHistory(r.out, st, ctrl.Store().List())
	case "resume":
		i, err := c.index()
		if err != nil {
			return true, err
		}
		conv, err := ctrl.ResumeConversation(ctx, i)
		if err != nil {
			return true, err
		}
		printConversation(r.out, st, conv)
	case "delete":
		i, err := c.index()
		if err != nil {
			return true, err
		}
		if err := ctrl.DeleteConversation(ctx, i); err != nil {
			return true, err
		}
		r.printf("%s\n", st.muted.Render(fmt.Sprintf("deleted conversation %d", i)))
	case "clear":
		ctrl.ClearAllHistory(ctx)
		r.printf("%s\n", st.muted.Render("history cleared"))
	case "attach":
		a, err := transport.LoadAttachment(c.arg)
		if err != nil {
			return true, err
		}
		r.pending = append(r.pending, a)
		r.printf("%s\n", st.muted.Render(fmt.Sprintf("attached %s (%s)", a.Name, a.ContentType())))
	default:
		return true, errors.Errorf("unknown command /%s, try /help", c.name)
	}
	return true, nil
}

func (r *repl) run(ctx context.Context, prompt string) error {
	st := r.s.p.st
	for {
		r.printf("%s ", st.user.Render(prompt))
		if !r.in.Scan() {
			r.printf("\n")
			return r.in.Err()
		}
		line := r.in.Text()
		if c, ok := parseLine(line); ok {
			more, err := r.command(ctx, c)
			if err != nil {
				r.printf("%s\n", st.err.Render(err.Error()))
			}
			if !more {
				return nil
			}
			continue
		}
		if strings.TrimSpace(line) == "" && len(r.pending) == 0 {
			continue
		}

		// Ctrl-C cancels the running turn only.
		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := r.s.turn(turnCtx, line, r.pending)
		stop()
		r.pending = nil
		if err != nil {
			r.printf("%s\n", st.err.Render(err.Error()))
		}
	}
}

func newChatCommand(cfg func() *config.Config) *cobra.Command {
	flags := &turnFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			s, err := openSession(cmd.Context(), c, cmd.OutOrStdout(), flags)
			if err != nil {
				return err
			}
			defer s.app.Close()

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, s.p.st.title.Render(c.Text.Title))
			if active, ok := s.app.store.Active(); ok {
				printConversation(out, s.p.st, active)
			} else {
				_, _ = fmt.Fprintln(out, s.p.st.muted.Render(c.Text.EmptyStateTitle+". "+c.Text.EmptyStateDescription+". /help for commands."))
			}

			r := &repl{s: s, in: bufio.NewScanner(cmd.InOrStdin()), out: out}
			r.in.Buffer(make([]byte, 0, 64*1024), 1<<20)
			return r.run(cmd.Context(), "you ›")
		},
	}
	flags.register(cmd)
	return cmd
}

func printHistory(out io.Writer, st styles, list []history.Summary) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(out, st.muted.Render("no saved conversations"))
		return
	}
	for _, s := range list {
		marker := " "
		if s.Active {
			marker = "*"
		}
		_, _ = fmt.Fprintf(out, "%s %3d  %-33s  %s  %s\n",
			marker, s.Index, s.Title,
			st.muted.Render(s.Updated.Local().Format("2006-01-02 15:04")),
			st.muted.Render(fmt.Sprintf("%d messages", s.Messages)))
	}
}

func printConversation(out io.Writer, st styles, conv history.Conversation) {
	_, _ = fmt.Fprintln(out, st.title.Render(conv.Title))
	for _, m := range conv.Messages {
		label := st.user.Render("you")
		if m.Role == history.RoleAssistant {
			label = st.assistant.Render("assistant")
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", label, m.Content)
		if n := len(m.Images); n > 0 {
			_, _ = fmt.Fprintln(out, st.muted.Render(fmt.Sprintf("  (%d attachment(s))", n)))
		}
	}
}
