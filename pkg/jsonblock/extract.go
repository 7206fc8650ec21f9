// Package jsonblock finds JSON inside finished assistant text and renders it
// as compact key/value rows or tag lists, with a per-block raw toggle.
package jsonblock

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

type Strategy int

const (
	// StrategyJSONFence is a fenced block tagged json.
	StrategyJSONFence Strategy = iota
	// StrategyAnyFence is any fenced block whose body parses, after an
	// optional json/javascript/js tag line is stripped.
	StrategyAnyFence
	// StrategyBraces is the first balanced {...} span by literal brace
	// counting. Braces inside string literals are counted too.
	StrategyBraces
	// StrategyWhole is the entire trimmed text parsing as a JSON array or
	// object, which catches bare arrays.
	StrategyWhole
)

func (s Strategy) String() string {
	switch s {
	case StrategyJSONFence:
		return "json-fence"
	case StrategyAnyFence:
		return "any-fence"
	case StrategyBraces:
		return "braces"
	case StrategyWhole:
		return "whole"
	default:
		return "unknown"
	}
}

// Match is the JSON value found in a text and where it came from.
type Match struct {
	Strategy Strategy
	// Raw is the JSON text that parsed.
	Raw   string
	Value gjson.Result
}

var (
	jsonFence = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")
	anyFence  = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	langTag   = regexp.MustCompile(`(?i)^(json|javascript|js)\b`)
)

// Extract tries the strategies in order; the first that yields a parseable
// value wins.
func Extract(text string) (Match, bool) {
	if m := jsonFence.FindStringSubmatch(text); m != nil {
		if v, ok := parse(strings.TrimSpace(m[1])); ok {
			return Match{Strategy: StrategyJSONFence, Raw: v.Raw, Value: v}, true
		}
	}

	for _, m := range anyFence.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if langTag.MatchString(body) {
			if i := strings.IndexByte(body, '\n'); i >= 0 {
				body = body[i+1:]
			}
		}
		if v, ok := parse(body); ok {
			return Match{Strategy: StrategyAnyFence, Raw: v.Raw, Value: v}, true
		}
	}

	if span, ok := balancedObject(text); ok {
		if v, ok := parse(span); ok {
			return Match{Strategy: StrategyBraces, Raw: v.Raw, Value: v}, true
		}
	}

	if v, ok := parse(text); ok && (v.IsArray() || v.IsObject()) {
		return Match{Strategy: StrategyWhole, Raw: v.Raw, Value: v}, true
	}
	return Match{}, false
}

// balancedObject returns the first span from a top-level '{' to its matching
// '}'. A '}' with no open brace is ignored.
func balancedObject(text string) (string, bool) {
	depth := 0
	start := -1
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func parse(s string) (gjson.Result, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return gjson.Result{}, false
	}
	return gjson.Parse(s), true
}
