package suggest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/aware-engine/backend/internal/model"
)

// ErrEmptyAnswer is returned when the model answer holds no suggestions.
var ErrEmptyAnswer = errors.New("model returned no suggestions")

// ParseSuggestions extracts suggestions from a model answer. It tolerates
// markdown code fences, comments and trailing commas.
func ParseSuggestions(text string) ([]model.Suggestion, error) {
	body := stripFence(strings.TrimSpace(text))

	var answer struct {
		Suggestions []model.Suggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(body)), &answer); err != nil {
		return nil, fmt.Errorf("parse model answer: %w", err)
	}

	out := answer.Suggestions[:0]
	for _, s := range answer.Suggestions {
		if s.ViolationID == "" {
			continue
		}
		s.Source = model.SuggestionFromModel
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrEmptyAnswer
	}
	return out, nil
}

// stripFence removes a surrounding ```json ... ``` block if present.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
