package suggest

import (
	"fmt"
	"strings"

	"github.com/aware-engine/backend/internal/model"
)

// maxSourceChars bounds how many characters of the supplied file go into a
// prompt.
const maxSourceChars = 2000

// Tech is the framework suggestions should be written for.
type Tech string

const (
	TechHTML    Tech = "html"
	TechReact   Tech = "react"
	TechVue     Tech = "vue"
	TechAngular Tech = "angular"
)

// Instruction returns the prompt line asking for this technology.
func (t Tech) Instruction() string {
	switch t {
	case TechReact:
		return "Return React/JSX code snippets."
	case TechVue:
		return "Return Vue.js code snippets."
	case TechAngular:
		return "Return Angular TypeScript code snippets."
	}
	return "Return vanilla HTML code snippets."
}

// DetectTech guesses the framework of a source file from its content and path.
func DetectTech(src *model.SourceContext) Tech {
	if !src.HasSource() {
		return TechHTML
	}
	content := strings.ToLower(src.Text())
	path := strings.ToLower(src.Path())

	containsAny := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(content, w) {
				return true
			}
		}
		return false
	}

	switch {
	case containsAny("jsx", "react", "usestate", "useeffect") || strings.HasSuffix(path, ".jsx") || strings.HasSuffix(path, ".tsx"):
		return TechReact
	case containsAny("vue", "@click", "v-if") || strings.HasSuffix(path, ".vue"):
		return TechVue
	case containsAny("angular") || (containsAny("component") && strings.HasSuffix(path, ".ts")):
		return TechAngular
	}
	return TechHTML
}

// suggestionSchema is the response shape requested from the model.
var suggestionSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"suggestions": map[string]any{
			"type": "ARRAY",
			"items": map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"violationId":    map[string]any{"type": "STRING"},
					"fixDescription": map[string]any{"type": "STRING"},
					"codeSnippet":    map[string]any{"type": "STRING"},
				},
				"required": []string{"violationId", "fixDescription", "codeSnippet"},
			},
		},
	},
	"required": []string{"suggestions"},
}

// BuildPrompt renders the model prompt for a set of violations and the
// optional source file.
func BuildPrompt(violations []model.Violation, src *model.SourceContext) string {
	var b strings.Builder

	b.WriteString("You are an accessibility expert who will provide suggestions to developers to improve a website's accessibility.\n\n")

	if src.HasSource() {
		content, cut := truncateRunes(src.Text(), maxSourceChars)
		if cut {
			content += "..."
		}
		fmt.Fprintf(&b, "SOURCE CODE CONTEXT:\nFile: %s\n```\n%s\n```\n\n", src.Path(), content)
	}

	b.WriteString("ACCESSIBILITY VIOLATIONS:\n")
	for _, v := range violations {
		fmt.Fprintf(&b, "\nViolation ID: %s\nDescription: %s\nImpact: %s\nHelp: %s\nAffected Elements:\n",
			v.ID, v.Description, v.Impact, v.Help)
		for _, n := range v.Nodes {
			fmt.Fprintf(&b, "- Target: %s\n- HTML: %s\n\n", strings.Join(n.Target, ", "), n.HTML)
		}
	}

	fmt.Fprintf(&b, `
For each violation above, provide ONLY:
1. A concise fix description (1-2 sentences max)
2. The exact code snippet that fixes the issue in the appropriate technology format

%s

IMPORTANT:
- Return ONLY the minimal code needed to fix each violation
- Do NOT include explanations, best practices, or additional context
- Match the technology/framework detected in the source code
- If no source code context, use vanilla HTML
- Keep responses concise and focused on the fix

Return as JSON with this exact structure:
{
  "suggestions": [
    {
      "violationId": "string",
      "fixDescription": "brief description",
      "codeSnippet": "exact code to implement"
    }
  ]
}
`, DetectTech(src).Instruction())

	return b.String()
}

// truncateRunes cuts s to its first n characters and reports whether
// anything was cut.
func truncateRunes(s string, n int) (string, bool) {
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
