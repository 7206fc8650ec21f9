package jsonblock

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var mdParser = goldmark.New().Parser()

// EnhanceCodeBlocks returns a Block for each code block in markdown source
// that holds JSON: blocks tagged json, or untagged blocks whose trimmed body
// is wrapped in {} or []. Falsy values (null, false, 0, "") are skipped.
func EnhanceCodeBlocks(markdown string) []*Block {
	src := []byte(markdown)
	doc := mdParser.Parse(text.NewReader(src))

	var out []*Block
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var lang string
		switch c := n.(type) {
		case *ast.FencedCodeBlock:
			lang = strings.ToLower(string(c.Language(src)))
		case *ast.CodeBlock:
		default:
			return ast.WalkContinue, nil
		}

		body := codeBody(n, src)
		if !strings.HasPrefix(lang, "json") {
			t := strings.TrimSpace(body)
			braced := strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}")
			bracketed := strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]")
			if !braced && !bracketed {
				return ast.WalkSkipChildren, nil
			}
		}
		v, ok := parse(body)
		if !ok || falsy(v) {
			return ast.WalkSkipChildren, nil
		}
		strategy := StrategyAnyFence
		if strings.HasPrefix(lang, "json") {
			strategy = StrategyJSONFence
		}
		out = append(out, &Block{
			Strategy: strategy,
			Language: lang,
			Source:   v.Raw,
			View:     Render(v),
		})
		return ast.WalkSkipChildren, nil
	})
	return out
}

func codeBody(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return buf.String()
}

func falsy(v gjson.Result) bool {
	switch v.Type {
	case gjson.Null, gjson.False:
		return true
	case gjson.Number:
		return v.Num == 0
	case gjson.String:
		return v.Str == ""
	}
	return false
}
