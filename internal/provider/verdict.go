package provider

import (
	"encoding/json"
	"strings"
)

// rawVerdict mirrors the strict JSON object the browser agent is instructed
// to return: {"success": bool, "reason": string, "extractedData": object}.
type rawVerdict struct {
	Success       bool           `json:"success"`
	Reason        string         `json:"reason"`
	ExtractedData map[string]any `json:"extractedData"`
}

// ParseVerdict defensively extracts a Verdict from an agent's free-text
// output. The agent is instructed to emit ONLY the JSON object, but in
// practice may wrap it in prose or a markdown code fence; this extracts the
// first balanced {...} span and parses it, returning ok=false if no valid
// verdict object could be found.
func ParseVerdict(text string) (Verdict, bool) {
	obj := extractFirstJSONObject(stripCodeFences(text))
	if obj == "" {
		return Verdict{}, false
	}
	var rv rawVerdict
	if err := json.Unmarshal([]byte(obj), &rv); err != nil {
		return Verdict{}, false
	}
	// A verdict object must at least express success/failure; a bare "{}"
	// is not a verdict.
	if !strings.Contains(obj, `"success"`) {
		return Verdict{}, false
	}
	return Verdict{Success: rv.Success, Reason: rv.Reason, ExtractedData: rv.ExtractedData}, true
}

func stripCodeFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// extractFirstJSONObject returns the text of the first balanced top-level
// {...} span in s, accounting for nested braces and braces inside string
// literals, or "" if none is found.
func extractFirstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
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
				return s[start : i+1]
			}
		}
	}
	return ""
}
