package jsonblock

import (
	"html"
	"strings"
)

// Mode is the per-block display state.
type Mode int

const (
	Formatted Mode = iota
	Raw
)

func (m Mode) String() string {
	if m == Raw {
		return "raw"
	}
	return "formatted"
}

// Block is one formatted JSON span. The zero Mode is Formatted.
type Block struct {
	Strategy Strategy
	// Language is the fence tag for blocks found in markdown, if any.
	Language string
	// Source is the JSON text as found.
	Source string
	View   View
	Mode   Mode
}

// Format extracts the first JSON value from text.
func Format(text string) (*Block, bool) {
	m, ok := Extract(text)
	if !ok {
		return nil, false
	}
	return &Block{Strategy: m.Strategy, Source: m.Raw, View: Render(m.Value)}, true
}

// Toggle flips between Formatted and Raw and returns the new mode.
func (b *Block) Toggle() Mode {
	if b.Mode == Formatted {
		b.Mode = Raw
	} else {
		b.Mode = Formatted
	}
	return b.Mode
}

// HTML renders the block in its current mode.
func (b *Block) HTML() string {
	if b.Mode == Raw {
		return `<pre><code class="language-json">` + html.EscapeString(b.Source) + `</code></pre>`
	}
	return RenderHTML(b.View)
}

// Text renders the block in its current mode for plain-text output.
func (b *Block) Text() string {
	if b.Mode == Raw {
		return b.Source
	}
	return RenderText(b.View)
}

// RenderHTML emits the widget's json-result markup.
func RenderHTML(v View) string {
	var sb strings.Builder
	sb.WriteString(`<div class="json-result">`)
	switch v.Kind {
	case KindRows:
		sb.WriteString(`<div class="json-compact">`)
		for _, r := range v.Rows {
			sb.WriteString(`<div class="kv-row"><div class="kv-key">`)
			sb.WriteString(html.EscapeString(r.Key))
			sb.WriteString(`</div><div class="kv-val">`)
			sb.WriteString(html.EscapeString(r.Value))
			sb.WriteString(`</div></div>`)
		}
		sb.WriteString(`</div>`)
	case KindTags:
		sb.WriteString(`<ul class="json-compact-list">`)
		for _, t := range v.Tags {
			sb.WriteString(`<li>`)
			sb.WriteString(html.EscapeString(t))
			sb.WriteString(`</li>`)
		}
		sb.WriteString(`</ul>`)
	default:
		sb.WriteString(`<div class="json-compact">`)
		sb.WriteString(html.EscapeString(v.Text))
		sb.WriteString(`</div>`)
	}
	sb.WriteString(`</div>`)
	return sb.String()
}

// RenderText is the copy-to-clipboard form: "key: value" lines for rows, a
// comma list for tags.
func RenderText(v View) string {
	switch v.Kind {
	case KindRows:
		lines := make([]string, 0, len(v.Rows))
		for _, r := range v.Rows {
			lines = append(lines, r.Key+": "+r.Value)
		}
		return strings.Join(lines, "\n")
	case KindTags:
		return strings.Join(v.Tags, ", ")
	default:
		return v.Text
	}
}
