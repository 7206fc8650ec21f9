package jsonblock

import (
	"strings"

	"github.com/tidwall/gjson"
)

type Kind int

const (
	// KindRows is an object shown as key/value rows.
	KindRows Kind = iota
	// KindTags is an array of primitives shown as a tag list.
	KindTags
	// KindText is anything else, shown as compact JSON or a scalar.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindRows:
		return "rows"
	case KindTags:
		return "tags"
	default:
		return "text"
	}
}

type Row struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// View is the formatted form of one JSON value. Only one of Rows, Tags or
// Text is populated, according to Kind.
type View struct {
	Kind Kind     `json:"kind"`
	Rows []Row    `json:"rows,omitempty"`
	Tags []string `json:"tags,omitempty"`
	Text string   `json:"text,omitempty"`
}

// Render formats v one level deep. Nested values inside rows are shown as
// compact JSON text.
func Render(v gjson.Result) View {
	switch {
	case v.IsObject():
		rows := []Row{}
		v.ForEach(func(key, value gjson.Result) bool {
			rows = append(rows, Row{Key: key.String(), Value: rowValue(value)})
			return true
		})
		return View{Kind: KindRows, Rows: rows}
	case v.IsArray():
		items := v.Array()
		if len(items) == 0 {
			return View{Kind: KindText, Text: "[]"}
		}
		if !allPrimitive(items) {
			return View{Kind: KindText, Text: compact(v)}
		}
		tags := make([]string, 0, len(items))
		for _, it := range items {
			tags = append(tags, scalar(it))
		}
		return View{Kind: KindTags, Tags: tags}
	default:
		return View{Kind: KindText, Text: scalar(v)}
	}
}

func rowValue(v gjson.Result) string {
	switch {
	case v.IsArray():
		items := v.Array()
		if !allPrimitive(items) {
			return compact(v)
		}
		parts := make([]string, 0, len(items))
		for _, it := range items {
			// null joins as an empty element
			if it.Type == gjson.Null {
				parts = append(parts, "")
				continue
			}
			parts = append(parts, scalar(it))
		}
		return strings.Join(parts, ", ")
	case v.IsObject():
		return compact(v)
	default:
		return scalar(v)
	}
}

func allPrimitive(items []gjson.Result) bool {
	for _, it := range items {
		if it.Type == gjson.JSON {
			return false
		}
	}
	return true
}

func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return "null"
	case gjson.String:
		return v.Str
	case gjson.Number, gjson.True, gjson.False:
		return v.Raw
	default:
		return compact(v)
	}
}

func compact(v gjson.Result) string {
	return v.Get("@ugly").Raw
}
