package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the structured outcome of one LLM evaluation.
type Decision struct {
	ShouldTrigger bool
	Confidence    float64
	Reason        string
}

// parseResponse extracts the decision object from raw model output. The
// model may answer with bare JSON or with a markdown-fenced block; either
// way the first balanced JSON object is decoded. Missing fields or wrong
// types are parse failures, not defaults.
func parseResponse(content string) (*Decision, error) {
	candidate := stripCodeFence(content)
	object, err := extractJSONObject(candidate)
	if err != nil {
		return nil, err
	}

	var raw struct {
		ShouldTrigger *bool    `json:"should_trigger"`
		Confidence    *float64 `json:"confidence"`
		Reason        *string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if raw.ShouldTrigger == nil {
		return nil, fmt.Errorf("missing field should_trigger")
	}
	if raw.Confidence == nil {
		return nil, fmt.Errorf("missing field confidence")
	}
	if raw.Reason == nil {
		return nil, fmt.Errorf("missing field reason")
	}

	return &Decision{
		ShouldTrigger: *raw.ShouldTrigger,
		Confidence:    clampConfidence(*raw.Confidence),
		Reason:        *raw.Reason,
	}, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// stripCodeFence unwraps a ```json ... ``` (or bare ```) fenced block when
// the answer is wrapped in one.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "```")
	if start == -1 {
		return trimmed
	}
	rest := trimmed[start+3:]
	if newline := strings.IndexByte(rest, '\n'); newline != -1 {
		// Drop the language tag line.
		firstLine := strings.TrimSpace(rest[:newline])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			rest = rest[newline+1:]
		}
	}
	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// extractJSONObject returns the first balanced top-level JSON object,
// tracking string and escape state so braces inside strings do not count.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", fmt.Errorf("no json object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced json object in response")
}
