// Package suggest turns accessibility violations, optionally with the
// source file they came from, into fix suggestions.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aware-engine/backend/internal/caption"
	"github.com/aware-engine/backend/internal/model"
)

// imageAltRule is the axe-core rule answered by captioning instead of the model.
const imageAltRule = "image-alt"

// Input is what the generator needs for one session.
type Input struct {
	Violations []model.Violation
	Source     *model.SourceContext
	PageURL    string
}

// Pipeline generates suggestions. It never fails: any problem degrades to
// fallback suggestions and an error marker on the result.
type Pipeline struct {
	provider  Provider
	captioner caption.Captioner
	logger    *slog.Logger
}

// NewPipeline creates a Pipeline. A nil provider means every non-image
// violation gets a fallback; a nil captioner uses caption.Nop.
func NewPipeline(provider Provider, captioner caption.Captioner, logger *slog.Logger) *Pipeline {
	if captioner == nil {
		captioner = caption.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		provider:  provider,
		captioner: captioner,
		logger:    logger.With("component", "suggest"),
	}
}

// Generate returns one suggestion per violation, in violation order.
func (p *Pipeline) Generate(ctx context.Context, in Input) *model.SuggestionResult {
	byID := make(map[string]model.Suggestion, len(in.Violations))
	var modelViolations []model.Violation

	for _, v := range in.Violations {
		if v.ID == imageAltRule {
			byID[v.ID] = p.imageAlt(ctx, v, in.PageURL)
			continue
		}
		modelViolations = append(modelViolations, v)
	}

	var errMarker string
	if len(modelViolations) > 0 {
		suggestions, err := p.ask(ctx, modelViolations, in.Source)
		var providerErr *ProviderError
		switch {
		case err == nil:
		case errors.As(err, &providerErr) && providerErr.IsRateLimited():
			p.logger.Info("model rate limited, using fallbacks", "violations", len(modelViolations), "status", providerErr.Status)
			errMarker = "An error occurred: the suggestion model is rate limited, try again later"
		default:
			p.logger.Warn("model suggestions unavailable, using fallbacks", "violations", len(modelViolations), "error", err)
			errMarker = fmt.Sprintf("An error occurred: %v", err)
		}
		for _, s := range suggestions {
			if _, dup := byID[s.ViolationID]; !dup {
				byID[s.ViolationID] = s
			}
		}
	}

	result := &model.SuggestionResult{
		Suggestions: make([]model.Suggestion, 0, len(in.Violations)),
		Error:       errMarker,
	}
	seen := make(map[string]bool, len(in.Violations))
	missing := 0
	for _, v := range in.Violations {
		if seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		s, ok := byID[v.ID]
		if !ok {
			s = Fallback(v)
			missing++
		}
		result.Suggestions = append(result.Suggestions, s)
	}
	if missing > 0 && errMarker == "" {
		p.logger.Info("filled missing suggestions with fallbacks", "missing", missing)
	}
	return result
}

func (p *Pipeline) ask(ctx context.Context, violations []model.Violation, src *model.SourceContext) ([]model.Suggestion, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("no suggestion model configured")
	}
	resp, err := p.provider.Complete(ctx, Request{
		Prompt:     BuildPrompt(violations, src),
		JSONSchema: suggestionSchema,
	})
	if err != nil {
		return nil, err
	}
	return ParseSuggestions(resp.Text)
}

// imageAlt answers an image-alt violation with a caption for its first image.
func (p *Pipeline) imageAlt(ctx context.Context, v model.Violation, pageURL string) model.Suggestion {
	for _, n := range v.Nodes {
		src, ok := caption.ExtractImageSrc(n.HTML)
		if !ok {
			continue
		}
		alt := p.captioner.Caption(ctx, src, pageURL)
		return model.Suggestion{
			ViolationID:    v.ID,
			FixDescription: fmt.Sprintf("Add descriptive alt text to the image: %q.", alt),
			CodeSnippet:    WithAlt(n.HTML, alt),
			Source:         model.SuggestionFromCaption,
		}
	}
	return Fallback(v)
}

var (
	altAttr = regexp.MustCompile(`(?i)\salt\s*=\s*("[^"]*"|'[^']*')`)
	imgOpen = regexp.MustCompile(`(?i)<img\b`)
)

// WithAlt sets the alt attribute of the img tag in fragment.
func WithAlt(fragment, alt string) string {
	attr := fmt.Sprintf(` alt="%s"`, html.EscapeString(alt))
	if loc := altAttr.FindStringIndex(fragment); loc != nil {
		return fragment[:loc[0]] + attr + fragment[loc[1]:]
	}
	if loc := imgOpen.FindStringIndex(fragment); loc != nil {
		return fragment[:loc[1]] + attr + fragment[loc[1]:]
	}
	return fmt.Sprintf(`<img src="" alt="%s">`, html.EscapeString(alt))
}

// Fallback is the deterministic suggestion used when the model cannot help.
func Fallback(v model.Violation) model.Suggestion {
	desc := strings.TrimSpace(v.Help)
	if desc == "" {
		desc = strings.TrimSpace(v.Description)
	}
	if desc == "" {
		desc = "Review this element for accessibility issues"
	}
	if !strings.HasSuffix(desc, ".") {
		desc += "."
	}
	if v.HelpURL != "" {
		desc += " See " + v.HelpURL
	}

	snippet := ""
	if len(v.Nodes) > 0 {
		snippet = v.Nodes[0].HTML
	}
	return model.Suggestion{
		ViolationID:    v.ID,
		FixDescription: desc,
		CodeSnippet:    snippet,
		Source:         model.SuggestionFromFallback,
	}
}
