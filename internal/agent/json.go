package agent

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON means the agent output carried no decodable JSON object.
var ErrNoJSON = errors.New("agent output contains no JSON object")

// DecodeObject decodes the JSON object in an agent reply into v. The whole
// reply is tried first, then the span from the first '{' to the last '}' so
// chatter or markdown fences around the object are ignored.
func DecodeObject(text string, v any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNoJSON
	}
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), v); err == nil {
			return nil
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return errors.Join(ErrNoJSON, err)
	}
	return nil
}

// FirstLine returns the first non-empty trimmed line of s.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			return l
		}
	}
	return ""
}

// LastLine returns the last non-empty trimmed line of s.
func LastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
