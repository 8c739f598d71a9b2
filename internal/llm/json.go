package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls a JSON object out of completion text. Providers wrap
// output in prose or markdown fences unpredictably, so extraction is
// tolerant: direct parse first, then a fenced code block, then the widest
// brace-delimited span. Returns nil when no valid object is found.
func ExtractJSON(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if isJSONObject(trimmed) {
		return json.RawMessage(trimmed)
	}

	if fenced := extractFenced(trimmed); fenced != "" && isJSONObject(fenced) {
		return json.RawMessage(fenced)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		span := strings.TrimSpace(trimmed[start : end+1])
		if isJSONObject(span) {
			return json.RawMessage(span)
		}
	}

	return nil
}

// extractFenced returns the body of the first ``` fence, tolerating a
// language tag such as "json" after the opening marker.
func extractFenced(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return ""
	}
	rest := text[open+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop the language tag line ("json", "JSON", or empty)
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || len(tag) <= 8 {
			rest = rest[nl+1:]
		}
	}
	close := strings.Index(rest, "```")
	if close < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:close])
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	return json.Valid([]byte(s))
}
