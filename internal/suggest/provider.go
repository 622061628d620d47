package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Provider is an LLM backend that turns a prompt into text.
type Provider interface {
	Complete(ctx context.Context, request Request) (*Response, error)
}

// Request is a single-turn completion request.
type Request struct {
	Prompt string

	// JSONSchema, when set, asks the model for JSON matching the schema.
	JSONSchema map[string]any
}

// Response is the model's answer.
type Response struct {
	Text string
}

// ProviderError is returned when the LLM API responds with an error.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Status is the provider-specific status string (e.g. "INVALID_ARGUMENT").
	Status string

	// Message is the human-readable error description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Status != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Status, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited returns true if the error is a rate limit response (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// doProviderRequest marshals wireRequest as JSON, POSTs it to endpoint and
// returns the response. Non-200 responses become a ProviderError.
//
// On success the caller is responsible for closing the response body.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, headers map[string]string, wireRequest any) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("llm: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpRequest.Header.Set(k, v)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("llm: sending request: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

// readProviderError parses {"error":{"code":...,"status":"...","message":"..."}}.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Status:     wireError.Error.Status,
			Message:    wireError.Error.Message,
		}
	}
	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
