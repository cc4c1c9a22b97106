package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ExtractJSON pulls the first JSON object out of a model reply that may be
// wrapped in markdown fences or surrounded by prose. Trailing text after the
// object is ignored.
func ExtractJSON(text string) (json.RawMessage, error) {
	content := strings.TrimSpace(text)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// '{{' is template syntax, not an object.
	start := -1
	for i := 0; i < len(content); i++ {
		if content[i] == '{' {
			if i+1 < len(content) && content[i+1] == '{' {
				i++
				continue
			}
			start = i
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("no JSON object found in reply")
	}

	dec := json.NewDecoder(strings.NewReader(content[start:]))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("reply JSON is malformed: %w", err)
	}
	if !bytes.HasPrefix(raw, []byte("{")) {
		return nil, fmt.Errorf("reply JSON is not an object")
	}
	return raw, nil
}

func preview(s string) string {
	const max = 200
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
