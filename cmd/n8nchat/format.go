package main

import (
	"fmt"
	"io"
	"os"

	"github.com/flintttan/n8n-chat-widget/pkg/jsonblock"
	"github.com/flintttan/n8n-chat-widget/pkg/widget"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var ErrNoJSON = errors.New("no JSON block found")

func newFormatCommand() *cobra.Command {
	var raw, html bool
	cmd := &cobra.Command{
		Use:   "format [file]",
		Short: "Find JSON in a reply and print it as key/value rows",
		Long:  "Find JSON in markdown or plain text (stdin when no file is given) and print each block formatted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrapf(err, "open %s", args[0])
				}
				defer f.Close()
				in = f
			}
			b, err := io.ReadAll(in)
			if err != nil {
				return errors.Wrap(err, "read input")
			}
			return formatBlocks(cmd.OutOrStdout(), string(b), raw, html)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the JSON source instead of the formatted view")
	cmd.Flags().BoolVar(&html, "html", false, "print HTML markup")
	return cmd
}

func formatBlocks(out io.Writer, text string, raw, html bool) error {
	blocks := widget.FormatBlocks(text)
	if len(blocks) == 0 {
		return ErrNoJSON
	}
	for i, b := range blocks {
		if raw && b.Mode != jsonblock.Raw {
			b.Toggle()
		}
		s := b.Text()
		if html {
			s = b.HTML()
		}
		if i > 0 {
			_, _ = fmt.Fprintln(out)
		}
		_, _ = fmt.Fprintln(out, s)
	}
	return nil
}
