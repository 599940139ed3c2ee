package nlp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	jsonrepair "github.com/kaptinlin/jsonrepair"
)

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSON strips reasoning tags and markdown fences and returns the
// outermost JSON object or array in response.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(thinkTags.ReplaceAllString(response, ""))

	if start := strings.Index(response, "```json"); start != -1 {
		if end := strings.Index(response[start+7:], "```"); end != -1 {
			return strings.TrimSpace(response[start+7 : start+7+end])
		}
	}
	if strings.HasPrefix(response, "```") {
		lines := strings.Split(response, "\n")
		if len(lines) > 2 {
			return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	// Whichever delimiter opens first is the outermost value.
	pairs := [][2]string{{"{", "}"}, {"[", "]"}}
	if a, o := strings.Index(response, "["), strings.Index(response, "{"); a != -1 && (o == -1 || a < o) {
		pairs[0], pairs[1] = pairs[1], pairs[0]
	}
	for _, p := range pairs {
		if s, e := strings.Index(response, p[0]), strings.LastIndex(response, p[1]); s != -1 && e > s {
			return response[s : e+1]
		}
	}
	return response
}

// DecodeJSON extracts, repairs and unmarshals model output into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}
