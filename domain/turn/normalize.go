package turn

import (
	"strings"
)

// ContentKind discriminates normalized content.
type ContentKind string

const (
	KindText      ContentKind = "text"
	KindReasoning ContentKind = "reasoning"
)

// Normalize reduces an arbitrary message content payload to (text, kind).
// ok is false for empty content, metadata-only objects, and reasoning status
// signals, none of which may be emitted as chunks. The same function feeds
// the streaming layer and the summarization middleware so content is never
// counted twice.
func Normalize(content any) (string, ContentKind, bool) {
	switch v := content.(type) {
	case string:
		if v == "" {
			return "", "", false
		}
		return v, KindText, true

	case map[string]any:
		return normalizeDict(v)

	case []any:
		return normalizeList(v)
	}
	return "", "", false
}

func normalizeDict(v map[string]any) (string, ContentKind, bool) {
	switch v["type"] {
	case "thinking":
		if t, _ := v["thinking"].(string); t != "" {
			return t, KindReasoning, true
		}
		return "", "", false

	case "reasoning":
		if summary, ok := v["summary"].([]any); ok {
			var parts []string
			for _, item := range summary {
				if m, ok := item.(map[string]any); ok {
					if t, _ := m["text"].(string); t != "" {
						parts = append(parts, t)
					}
				}
			}
			if len(parts) == 0 {
				return "", "", false
			}
			return strings.Join(parts, ""), KindReasoning, true
		}
		// Reasoning object without a summary is a status signal, not content.
		return "", "", false
	}

	if t, _ := v["text"].(string); t != "" {
		return t, KindText, true
	}
	return "", "", false
}

func normalizeList(items []any) (string, ContentKind, bool) {
	var b strings.Builder
	kind := KindText
	for _, item := range items {
		text, itemKind, ok := Normalize(item)
		if !ok {
			continue
		}
		if itemKind == KindReasoning {
			// Reasoning anywhere in the list marks the whole result.
			kind = KindReasoning
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return "", "", false
	}
	return b.String(), kind, true
}
