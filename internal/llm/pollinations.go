package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stellarlinkco/milabot/internal/httpkit"
)

// DefaultSecondaryBaseURL is the Pollinations free-text endpoint.
const DefaultSecondaryBaseURL = "https://text.pollinations.ai"

const maxTextBody = 64 << 10

// Pollinations is a TextClient that GETs a prompt embedded in the URL.
type Pollinations struct {
	baseURL string
	client  *http.Client
}

// NewPollinations builds the secondary transport. A nil client gets the
// shared httpkit defaults.
func NewPollinations(baseURL string, client *http.Client) *Pollinations {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultSecondaryBaseURL
	}
	if client == nil {
		client = httpkit.NewClient()
	}
	return &Pollinations{baseURL: baseURL, client: client}
}

// URL returns the request URL for prompt under enc.
func (p *Pollinations) URL(prompt string, enc Encoding) string {
	switch enc {
	case EncodingPathPlus:
		return p.baseURL + "/" + url.PathEscape(strings.ReplaceAll(prompt, " ", "+"))
	case EncodingQuery:
		return p.baseURL + "/?prompt=" + strings.ReplaceAll(url.QueryEscape(prompt), "+", "%20")
	case EncodingPathDash:
		return p.baseURL + "/" + url.PathEscape(strings.ReplaceAll(prompt, " ", "-"))
	default:
		return p.baseURL + "/" + url.PathEscape(prompt)
	}
}

// Generate performs one GET and returns the trimmed body of a 200 response.
func (p *Pollinations) Generate(ctx context.Context, prompt string, enc Encoding) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(prompt, enc), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("free-text request: %w", wrapTransportError(err))
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTextBody))
	if err != nil {
		return "", fmt.Errorf("read free-text body: %w", wrapTransportError(err))
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
