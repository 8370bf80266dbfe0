package pipeline

import (
	"encoding/json"
	"strings"
)

// parseStructured turns model output into a JSON payload, tolerating the
// usual decoration: markdown code fences are stripped and the first balanced
// JSON object is extracted before parsing. Unparseable output yields an
// error marker payload instead of failing the pipeline.
func parseStructured(text string) json.RawMessage {
	candidate := stripCodeFences(text)
	if obj, ok := firstJSONObject(candidate); ok {
		return json.RawMessage(obj)
	}

	marker, _ := json.Marshal(map[string]string{
		"error": "model output contained no parseable JSON object",
		"raw":   truncate(text, 2000),
	})
	return marker
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening fence line ("```json", "```", ...).
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// firstJSONObject extracts the first balanced {...} region, honoring string
// literals and escapes, and verifies it actually parses.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				obj := s[start : i+1]
				if json.Valid([]byte(obj)) {
					return obj, true
				}
				return "", false
			}
		}
	}
	return "", false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
