package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyOutput is returned by ParseOutput for a blank response.
var ErrEmptyOutput = errors.New("model returned an empty response")

// ParseOutput extracts the JSON object a model was asked to produce. Markdown
// code fences around the JSON are tolerated; anything that is not a single
// JSON object is malformed.
func ParseOutput(raw string) (map[string]any, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return nil, ErrEmptyOutput
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(clean), &data); err != nil {
		return nil, fmt.Errorf("failed to parse model output as a JSON object: %w", err)
	}
	if data == nil {
		return nil, errors.New("model output was JSON null")
	}
	return data, nil
}
