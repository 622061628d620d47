package suggest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aware-engine/backend/internal/model"
)

// **Feature: aware-broker, Property 6: one suggestion per violation**
// For any violation list and any subset answered by the model, Generate
// returns exactly one suggestion per distinct violation id, in order.
func TestOneSuggestionPerViolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("suggestions follow violations", prop.ForAll(
		func(picks []int, answered []bool) bool {
			names := []string{"color-contrast", "label", "link-name", "region", "list"}
			ids := make([]string, len(picks))
			for i, n := range picks {
				ids[i] = names[n]
			}

			var vs []model.Violation
			var answer []model.Suggestion
			for i, id := range ids {
				vs = append(vs, model.Violation{ID: id, Help: "fix " + id})
				if i < len(answered) && answered[i] {
					answer = append(answer, model.Suggestion{ViolationID: id, FixDescription: "model", CodeSnippet: "x"})
				}
			}
			text, _ := json.Marshal(map[string]any{"suggestions": answer})

			p := NewPipeline(&fakeProvider{text: string(text)}, nil, discardLogger())
			result := p.Generate(context.Background(), Input{Violations: vs})

			var want []string
			seen := map[string]bool{}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					want = append(want, id)
				}
			}
			if len(result.Suggestions) != len(want) {
				return false
			}
			for i, s := range result.Suggestions {
				if s.ViolationID != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 4)),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}
