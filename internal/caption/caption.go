// Package caption produces alt text for images referenced by image-alt
// violations.
package caption

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Placeholder is returned whenever no caption could be produced.
const Placeholder = "Descriptive alt text needed"

const (
	defaultFetchTimeout = 15 * time.Second
	maxImageBytes       = 10 << 20
	browserUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// Captioner describes an image. It never fails: on any error it returns
// Placeholder, possibly with a reason suffix.
type Captioner interface {
	Caption(ctx context.Context, imageRef, pageURL string) string
}

// Nop is a Captioner that always returns Placeholder.
type Nop struct{}

// Caption implements Captioner.
func (Nop) Caption(context.Context, string, string) string {
	return Placeholder
}

var (
	srcPattern    = regexp.MustCompile(`(?i)src\s*=\s*["']([^"']+)["']`)
	prefixPattern = regexp.MustCompile(`(?i)^(a picture of |an image of |a photo of )`)
)

// ExtractImageSrc returns the src attribute of the first img-like tag in an
// HTML fragment.
func ExtractImageSrc(html string) (string, bool) {
	m := srcPattern.FindStringSubmatch(html)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CleanCaption strips the boilerplate prefixes captioning models like to
// emit and trims whitespace.
func CleanCaption(s string) string {
	return strings.TrimSpace(prefixPattern.ReplaceAllString(strings.TrimSpace(s), ""))
}

// ResolveImageURL turns an img src into an absolute http(s) URL. Relative
// and root-relative refs resolve against pageURL.
func ResolveImageURL(ref, pageURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid image ref %q: %w", ref, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported image scheme %q", u.Scheme)
		}
		return u.String(), nil
	}
	if pageURL == "" {
		return "", fmt.Errorf("relative image ref %q without a page URL", ref)
	}
	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("invalid page URL %q", pageURL)
	}
	return base.ResolveReference(u).String(), nil
}

// decodeDataURI returns the payload and media type of a base64 data URI.
func decodeDataURI(ref string) ([]byte, string, error) {
	header, data, ok := strings.Cut(ref, ",")
	if !ok {
		return nil, "", errors.New("data URI without payload")
	}
	mediaType := strings.TrimPrefix(header, "data:")
	mediaType, isBase64 := strings.CutSuffix(mediaType, ";base64")
	if !isBase64 {
		decoded, err := url.PathUnescape(data)
		if err != nil {
			return nil, "", err
		}
		return []byte(decoded), mediaType, nil
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URI: %w", err)
	}
	return raw, mediaType, nil
}

// HTTPCaptioner downloads images and sends them to an image-to-text
// inference endpoint that answers [{"generated_text": "..."}].
type HTTPCaptioner struct {
	client       *http.Client
	endpoint     string
	apiKey       string
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewHTTPCaptioner creates an HTTPCaptioner.
func NewHTTPCaptioner(endpoint, apiKey string, fetchTimeout time.Duration, logger *slog.Logger) *HTTPCaptioner {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCaptioner{
		client:       &http.Client{},
		endpoint:     endpoint,
		apiKey:       apiKey,
		fetchTimeout: fetchTimeout,
		logger:       logger.With("component", "captioner"),
	}
}

// Caption implements Captioner.
func (c *HTTPCaptioner) Caption(ctx context.Context, imageRef, pageURL string) string {
	var (
		image     []byte
		mediaType string
		err       error
	)
	if strings.HasPrefix(imageRef, "data:image") {
		image, mediaType, err = decodeDataURI(imageRef)
	} else {
		var imageURL string
		imageURL, err = ResolveImageURL(imageRef, pageURL)
		if err == nil {
			image, mediaType, err = c.fetch(ctx, imageURL)
		}
	}
	if err != nil {
		c.logger.Warn("image unavailable for captioning", "image", truncate(imageRef, 120), "error", err)
		return placeholderFor(err)
	}

	caption, err := c.infer(ctx, image, mediaType)
	if err != nil {
		c.logger.Warn("captioning failed", "image", truncate(imageRef, 120), "error", err)
		return placeholderFor(err)
	}
	if caption = CleanCaption(caption); caption == "" {
		return Placeholder
	}
	return caption
}

// fetchError marks failures while downloading the image.
type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return "fetch image: " + e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

func (c *HTTPCaptioner) fetch(ctx context.Context, imageURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", &fetchError{err}
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", &fetchError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &fetchError{fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", &fetchError{err}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *HTTPCaptioner) infer(ctx context.Context, image []byte, mediaType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("caption: creating request: %w", err)
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mediaType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("caption: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("caption: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("caption: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return parseInference(body)
}

type generated struct {
	GeneratedText string `json:"generated_text"`
}

// parseInference accepts either a list of generations or a single one.
func parseInference(body []byte) (string, error) {
	var list []generated
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) == 0 {
			return "", errors.New("caption: empty response")
		}
		return list[0].GeneratedText, nil
	}
	var single generated
	if err := json.Unmarshal(body, &single); err != nil {
		return "", fmt.Errorf("caption: decoding response: %w", err)
	}
	return single.GeneratedText, nil
}

// placeholderFor picks the placeholder variant for a failure.
func placeholderFor(err error) string {
	var fe *fetchError
	if !errors.As(err, &fe) {
		return Placeholder
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return Placeholder + " (timeout)"
	}
	return Placeholder + " (network error)"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
