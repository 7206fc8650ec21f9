package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/history"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHistoryCommand(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage saved conversations",
	}

	withStore := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context(), cfg())
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a, args)
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, a *app, _ []string) error {
			printHistory(cmd.OutOrStdout(), newStyles(a.cfg.Theme), a.store.List())
			return nil
		}),
	}

	show := &cobra.Command{
		Use:   "show N",
		Short: "Print conversation N",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, a *app, args []string) error {
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			conv, err := a.store.Get(i)
			if err != nil {
				return err
			}
			printConversation(cmd.OutOrStdout(), newStyles(a.cfg.Theme), conv)
			return nil
		}),
	}

	del := &cobra.Command{
		Use:   "delete N",
		Short: "Delete conversation N",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, a *app, args []string) error {
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.store.Remove(cmd.Context(), i)
		}),
	}

	clr := &cobra.Command{
		Use:   "clear",
		Short: "Delete every saved conversation",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, a *app, _ []string) error {
			a.store.ClearAll(cmd.Context())
			return nil
		}),
	}

	var lastOnly bool
	cp := &cobra.Command{
		Use:   "copy N",
		Short: "Copy conversation N to the clipboard",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, a *app, args []string) error {
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			conv, err := a.store.Get(i)
			if err != nil {
				return err
			}
			text := transcript(conv, lastOnly)
			if err := clipboard.WriteAll(text); err != nil {
				return errors.Wrap(err, "write clipboard")
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "copied %d characters\n", len(text))
			return nil
		}),
	}
	cp.Flags().BoolVar(&lastOnly, "last", false, "copy only the last assistant reply")

	cmd.AddCommand(list, show, del, clr, cp)
	return cmd
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Errorf("invalid conversation number %q", s)
	}
	return i, nil
}

// transcript renders a conversation as "role: content" paragraphs.
func transcript(conv history.Conversation, lastReply bool) string {
	if lastReply {
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			if conv.Messages[i].Role == history.RoleAssistant {
				return conv.Messages[i].Content
			}
		}
		return ""
	}
	parts := make([]string, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		parts = append(parts, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(parts, "\n\n")
}
