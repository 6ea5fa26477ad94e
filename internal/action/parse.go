package action

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencedJSONRe matches a fenced code block explicitly tagged as JSON.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json|JSON)[ \t]*\r?\n(.*?)```")

// ParseRaw extracts a decision from free text. A fenced ```json block
// is preferred; otherwise the first balanced {...} object is used.
// Returns [ErrMalformedDecision] when neither yields a JSON object.
func ParseRaw(text string) (Action, error) {
	candidate, ok := extractObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedDecision)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(candidate), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	return FromMap(m), nil
}

func extractObject(text string) (string, bool) {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if body := strings.TrimSpace(m[1]); body != "" {
			return body, true
		}
	}
	return firstBalancedObject(text)
}

// firstBalancedObject scans for the first top-level brace pair using a
// plain depth counter. Braces inside JSON strings are not special-cased.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
