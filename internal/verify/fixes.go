package verify

import (
	"maps"
	"strings"
)

// ApplyFixes returns a copy of data with every fixable issue of verdict
// resolved. Fixes are deterministic and idempotent and never invent values:
// a missing URL scheme becomes https, and known placeholders are blanked.
func ApplyFixes(data map[string]any, verdict *Verdict) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = map[string]any{}
	}
	if verdict == nil {
		return out
	}

	for _, is := range verdict.Issues {
		if !is.Fixable || is.Field == "" {
			continue
		}
		s, ok := asString(out[is.Field])
		if !ok {
			continue
		}
		switch is.Code {
		case CodePlaceholder, CodePlaceholderEmail:
			out[is.Field] = ""
		case CodeMissingScheme:
			s = strings.TrimSpace(s)
			if s != "" && !hasScheme(s) {
				out[is.Field] = "https://" + strings.TrimPrefix(s, "//")
			}
		}
	}
	return out
}
