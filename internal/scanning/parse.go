package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

type fieldsResponse struct {
	Fields []Field `json:"fields"`
}

// parseFieldsJSON parses the JSON object a model returned for a document.
// Markdown fences and surrounding prose are ignored.
func parseFieldsJSON(text string) ([]Field, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var resp fieldsResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	fields := make([]Field, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		t := strings.ToUpper(strings.TrimSpace(f.Type))
		if t == "" || strings.TrimSpace(f.Text) == "" {
			continue
		}
		fields = append(fields, Field{Type: t, Text: f.Text})
	}
	return fields, nil
}

// responseText joins text parts and strips a leading markdown fence
func responseText(parts []string) string {
	text := strings.TrimSpace(strings.Join(parts, ""))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	return strings.TrimSpace(text)
}
