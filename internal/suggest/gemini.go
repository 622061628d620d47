package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GeminiConfig configures the Gemini generateContent client.
type GeminiConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
	Timeout         time.Duration
}

// Gemini calls the Gemini generateContent REST API.
type Gemini struct {
	cfg    GeminiConfig
	client *http.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Gemini{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"topP"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Complete implements Provider.
func (g *Gemini) Complete(ctx context.Context, request Request) (*Response, error) {
	if g.cfg.APIKey == "" {
		return nil, errors.New("gemini: no API key configured")
	}

	wire := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: request.Prompt}},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     g.cfg.Temperature,
			TopP:            g.cfg.TopP,
			MaxOutputTokens: g.cfg.MaxOutputTokens,
		},
	}
	if request.JSONSchema != nil {
		wire.GenerationConfig.ResponseMimeType = "application/json"
		wire.GenerationConfig.ResponseSchema = request.JSONSchema
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimRight(g.cfg.BaseURL, "/"), url.PathEscape(g.cfg.Model))
	httpResponse, err := doProviderRequest(ctx, g.client, endpoint,
		map[string]string{"x-goog-api-key": g.cfg.APIKey}, wire)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var resp geminiResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("gemini: decoding response: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini: prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("gemini: no candidates in response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("gemini: empty candidate (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return &Response{Text: text.String()}, nil
}
