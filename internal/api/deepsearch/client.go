package deepsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
)

const (
	defaultBaseURL   = "http://localhost:8000"
	defaultUserAgent = "deepsearch-client/1.0"

	// maxErrorBody bounds how much of a failed response is read for the message.
	maxErrorBody = 64 * 1024
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// Client talks to the research engine.
type Client struct {
	apiKey     string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new research engine client. The default HTTP client has
// no overall timeout because streams stay open for the length of the research.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   defaultBaseURL,
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the engine address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// OpenStream starts a streaming research request and returns the response body.
// The caller owns the body and must close it. Failures to open are reported as
// connection errors before any byte is read.
func (c *Client) OpenStream(ctx context.Context, req *RunRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, streamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrConnection(fmt.Sprintf("request failed: %v", err)).
			WithCode(domain.ErrorCodeUnreachable).
			WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return resp.Body, nil
}

// Run executes a research request on the synchronous endpoint and returns the
// final result only.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*domain.ResearchResult, error) {
	httpReq, err := c.newRequest(ctx, runPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrConnection(fmt.Sprintf("request failed: %v", err)).
			WithCode(domain.ErrorCodeUnreachable).
			WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrTransport(fmt.Sprintf("failed to read response: %v", err)).WithCause(err)
	}

	var result domain.ResearchResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "research did not succeed"
		}
		return &result, domain.ErrRemoteTask(msg)
	}

	return &result, nil
}

func (c *Client) newRequest(ctx context.Context, path string, req *RunRequest) (*http.Request, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if err := domain.ValidateQuery(req.Query, req.ResearchOptions); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	return httpReq, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// statusError converts a non-2xx response into a connection error.
func statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(respBody))
	if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
		msg = apiErr.Message()
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return domain.ErrConnection(fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, msg)).
		WithCode(domain.ErrorCodeBadStatus).
		WithStatusCode(resp.StatusCode)
}
