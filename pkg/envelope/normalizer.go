// Package envelope turns one decoded record into an optional content
// fragment and an optional session id update.
//
// Servers answer in several shapes (n8n item events, bare output documents,
// delta streams, OpenAI-style chunks) and sometimes wrap a second JSON
// envelope inside the content string. Shapes are expressed as ordered
// rules; supporting a new shape means appending a rule.
package envelope

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Outcome is the result of normalising one record. Both parts are optional
// and independent.
type Outcome struct {
	Fragment     string
	HasFragment  bool
	SessionID    string
	HasSessionID bool

	// Rule names the content rule that matched, "text" for the plain-text
	// path, or "" when nothing was extracted.
	Rule string
}

// Normalizer applies the rule lists. The zero value is not usable; use New.
type Normalizer struct {
	stream   []Rule
	document []Rule
	session  []Rule
	inner    []Rule
}

type Option func(*Normalizer)

// WithStreamRule appends a content rule tried after the built-in ones.
func WithStreamRule(r Rule) Option {
	return func(n *Normalizer) {
		n.stream = append(n.stream, r)
	}
}

// WithDocumentRule appends a content rule for buffered bodies.
func WithDocumentRule(r Rule) Option {
	return func(n *Normalizer) {
		n.document = append(n.document, r)
	}
}

// WithSessionRule appends a session id rule.
func WithSessionRule(r Rule) Option {
	return func(n *Normalizer) {
		n.session = append(n.session, r)
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		stream:   StreamContentRules(),
		document: DocumentContentRules(),
		session:  SessionRules(),
		inner:    InnerContentRules(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize extracts fields from one streamed record. A record that is not
// a JSON object becomes a literal fragment followed by a line break.
func (n *Normalizer) Normalize(line string) Outcome {
	doc, ok := parseObject(line)
	if !ok {
		if strings.TrimSpace(line) == "" {
			return Outcome{}
		}
		return Outcome{Fragment: line + "\n", HasFragment: true, Rule: "text"}
	}
	return n.extract(doc, n.stream)
}

// NormalizeDocument extracts fields from a complete buffered body. When no
// rule matches, the body itself is the fragment, verbatim.
func (n *Normalizer) NormalizeDocument(body string) Outcome {
	doc, ok := parseObject(body)
	if !ok {
		return Outcome{Fragment: body, HasFragment: true, Rule: "text"}
	}
	out := n.extract(doc, n.document)
	if !out.HasFragment {
		out.Fragment = body
		out.HasFragment = true
		out.Rule = "text"
	}
	return out
}

func (n *Normalizer) extract(doc gjson.Result, content []Rule) Outcome {
	var out Outcome
	if sid, _, ok := firstMatch(n.session, doc); ok {
		out.SessionID = sid
		out.HasSessionID = true
	}

	frag, rule, ok := firstMatch(content, doc)
	if !ok {
		return out
	}
	out.Fragment = frag
	out.HasFragment = true
	out.Rule = rule

	inner, ok := parseObject(frag)
	if !ok {
		return out
	}
	if v, _, ok := firstMatch(n.inner, inner); ok {
		out.Fragment = v
	}
	if sid, _, ok := firstMatch(n.session, inner); ok {
		out.SessionID = sid
		out.HasSessionID = true
	}
	return out
}

func parseObject(s string) (gjson.Result, bool) {
	if !gjson.Valid(s) {
		return gjson.Result{}, false
	}
	doc := gjson.Parse(s)
	if !doc.IsObject() {
		return gjson.Result{}, false
	}
	return doc, true
}
