package claudecode

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyResponse is returned when the model produced no output
var ErrEmptyResponse = errors.New("empty response")

var (
	fencedBlock = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	braceObject = regexp.MustCompile(`\{[\s\S]*\}`)
)

// ExtractJSON decodes the JSON object in raw into v. The text is tried as is,
// then as the first fenced code block, then as the widest {...} span.
func ExtractJSON(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyResponse
	}
	if json.Unmarshal([]byte(raw), v) == nil {
		return nil
	}
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		if json.Unmarshal([]byte(m[1]), v) == nil {
			return nil
		}
	}
	if m := braceObject.FindString(raw); m != "" {
		if json.Unmarshal([]byte(m), v) == nil {
			return nil
		}
	}
	return fmt.Errorf("no JSON object in response: %s", snippet(raw, 500))
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
