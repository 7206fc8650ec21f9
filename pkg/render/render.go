// Package render turns finished assistant markdown into safe display output.
package render

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

type Renderer interface {
	Render(markdown string) (string, error)
}

// HTML converts GitHub-flavoured markdown and sanitises the result.
type HTML struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

var _ Renderer = &HTML{}

func NewHTML() *HTML {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^language-[a-zA-Z0-9]+$`)).OnElements("code")
	return &HTML{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		policy: policy,
	}
}

func (h *HTML) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(markdown), &buf); err != nil {
		return "", errors.Wrap(err, "render: markdown")
	}
	return h.policy.Sanitize(buf.String()), nil
}

// Terminal styles markdown for a terminal with glamour.
type Terminal struct {
	r *glamour.TermRenderer
}

var _ Renderer = &Terminal{}

// NewTerminal uses glamour's auto style when style is empty or "auto".
func NewTerminal(style string, width int) (*Terminal, error) {
	opts := []glamour.TermRendererOption{}
	switch strings.TrimSpace(style) {
	case "", "auto":
		opts = append(opts, glamour.WithAutoStyle())
	default:
		opts = append(opts, glamour.WithStandardStyle(style))
	}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "render: terminal renderer")
	}
	return &Terminal{r: r}, nil
}

func (t *Terminal) Render(markdown string) (string, error) {
	out, err := t.r.Render(markdown)
	return out, errors.Wrap(err, "render: terminal")
}

// Text passes markdown through unchanged.
type Text struct{}

var _ Renderer = Text{}

func (Text) Render(markdown string) (string, error) { return markdown, nil }
