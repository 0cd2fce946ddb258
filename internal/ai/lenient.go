package ai

import (
	"encoding/json"
	"strings"
)

// ParseStatus classifies a lenient parse outcome.
type ParseStatus int

const (
	ParseOK ParseStatus = iota
	ParsePartial
	ParseFailed
)

// LenientResult carries whatever top-level fields could be recovered from a
// possibly truncated or fence-wrapped model response. Callers read fields
// through the typed accessors and fall back to safe defaults on absence.
type LenientResult struct {
	Status ParseStatus
	Fields map[string]any
}

func (r LenientResult) String(key string) (string, bool) {
	v, ok := r.Fields[key].(string)
	return v, ok
}

func (r LenientResult) Number(key string) (float64, bool) {
	v, ok := r.Fields[key].(float64)
	return v, ok
}

func (r LenientResult) Bool(key string) (bool, bool) {
	v, ok := r.Fields[key].(bool)
	return v, ok
}

// ParseLenient parses a JSON object out of raw model output. Markdown fences
// are stripped first. If the object is truncated, the longest prefix that
// closes into valid JSON is recovered and the result is marked partial.
func ParseLenient(raw string) LenientResult {
	body := stripFences(raw)

	start := strings.IndexByte(body, '{')
	if start < 0 {
		return LenientResult{Status: ParseFailed}
	}
	body = body[start:]

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err == nil {
		return LenientResult{Status: ParseOK, Fields: fields}
	}

	// Truncated output: retry at each complete-looking boundary from the
	// end, closing any unterminated braces.
	for end := len(body); end > 1; end-- {
		switch body[end-1] {
		case '}', ',', '"':
		default:
			continue
		}
		candidate := strings.TrimRight(body[:end], ",")
		candidate = strings.TrimSuffix(candidate, `"`)
		for closers := 0; closers <= 3; closers++ {
			if err := json.Unmarshal([]byte(candidate+strings.Repeat("}", closers)), &fields); err == nil && len(fields) > 0 {
				return LenientResult{Status: ParsePartial, Fields: fields}
			}
		}
	}

	return LenientResult{Status: ParseFailed}
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
