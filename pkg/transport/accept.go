package transport

import "strings"

var acceptPresets = map[string]string{
	"image": "image/*",
	"pdf":   "application/pdf",
	"csv":   "text/csv,.csv",
	"all":   "*/*",
}

// AcceptList is a comma-separated list of MIME types, type/* wildcards and
// file-name suffixes. The presets image, pdf, csv and all expand to lists.
type AcceptList struct {
	raw     string
	entries []string
}

func ParseAccept(s string) AcceptList {
	raw := strings.TrimSpace(s)
	if p, ok := acceptPresets[strings.ToLower(raw)]; ok {
		raw = p
	}
	var entries []string
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	return AcceptList{raw: raw, entries: entries}
}

// String is the expanded list, suitable for an HTML accept attribute.
func (l AcceptList) String() string { return l.raw }

// Allows reports whether a file with the given MIME type and name matches.
func (l AcceptList) Allows(mimeType, name string) bool {
	if l.raw == "*/*" {
		return true
	}
	if mimeType == "" {
		return false
	}
	for _, e := range l.entries {
		if strings.HasSuffix(e, "/*") {
			if strings.HasPrefix(mimeType, strings.TrimSuffix(e, "*")) {
				return true
			}
			continue
		}
		if mimeType == e || strings.HasSuffix(name, e) {
			return true
		}
	}
	return false
}
