package envelope

import "github.com/tidwall/gjson"

// Rule extracts one optional string from a parsed envelope.
type Rule struct {
	Name    string
	Extract func(doc gjson.Result) (string, bool)
}

// StringAt builds a rule that matches a non-empty string at a gjson path.
func StringAt(name, path string) Rule {
	return Rule{
		Name: name,
		Extract: func(doc gjson.Result) (string, bool) {
			v := doc.Get(path)
			if v.Type != gjson.String || v.Str == "" {
				return "", false
			}
			return v.Str, true
		},
	}
}

// StreamContentRules are tried in order against every streamed record.
func StreamContentRules() []Rule {
	return []Rule{
		StringAt("content", "content"),
		StringAt("output", "output"),
		StringAt("delta", "delta"),
		StringAt("openai-delta", "choices.0.delta.content"),
	}
}

// DocumentContentRules are tried against a single buffered response body.
func DocumentContentRules() []Rule {
	return []Rule{
		StringAt("content", "content"),
		StringAt("output", "output"),
		StringAt("message", "message"),
	}
}

// SessionRules locate a session id update.
func SessionRules() []Rule {
	return []Rule{
		StringAt("sessionId", "sessionId"),
	}
}

// InnerContentRules replace a fragment that is itself a JSON envelope.
func InnerContentRules() []Rule {
	return []Rule{
		{
			Name: "output",
			Extract: func(doc gjson.Result) (string, bool) {
				v := doc.Get("output")
				if v.Type != gjson.String {
					return "", false
				}
				return v.Str, true
			},
		},
	}
}

func firstMatch(rules []Rule, doc gjson.Result) (string, string, bool) {
	for _, r := range rules {
		if v, ok := r.Extract(doc); ok {
			return v, r.Name, true
		}
	}
	return "", "", false
}
