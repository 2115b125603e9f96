package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/cchalm/stockchat/internal/auth"
)

// HTTPCounter keeps the message count in a remote service. The service increments atomically on
// POST {base}/users/{id}/increment and answers {"count": n}
type HTTPCounter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCounter creates a counter calling baseURL with a bearer token. base is the transport under the token
// source, and may be nil
func NewHTTPCounter(ctx context.Context, baseURL, token string, base http.RoundTripper) *HTTPCounter {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	}
	tokenSource := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return &HTTPCounter{
		baseURL: baseURL,
		client:  oauth2.NewClient(ctx, tokenSource),
	}
}

type countResponse struct {
	Count *int `json:"count"`
}

func (c *HTTPCounter) IncrementAndGet(ctx context.Context, id auth.Identity) (int, error) {
	endpoint, err := url.JoinPath(c.baseURL, "users", string(id), "increment")
	if err != nil {
		return 0, fmt.Errorf("failed to build counter URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create counter request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("counter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("counter returned %s: %s", resp.Status, body)
	}

	var cr countResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return 0, fmt.Errorf("failed to decode counter response: %w", err)
	}
	if cr.Count == nil {
		return 0, fmt.Errorf("counter response has no count")
	}
	return *cr.Count, nil
}
