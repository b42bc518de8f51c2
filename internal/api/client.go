// Package api is the network collaborator of the cache: a small
// request/response client for the chat backend and the endpoints the
// workers call.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client performs one API request and decodes the JSON response into
// response. A nil response discards the body.
type Client interface {
	Request(ctx context.Context, e Endpoint, response any) error
}

// Ensure HTTPClient implements Client at compile time.
var _ Client = (*HTTPClient)(nil)

// ErrOffline is returned by Offline for every request.
var ErrOffline = errors.New("no backend configured")

// Offline is the Client used when no backend is configured. Remote fetches
// fail with ErrOffline while local data keeps working.
type Offline struct{}

func (Offline) Request(ctx context.Context, e Endpoint, response any) error {
	return fmt.Errorf("%s: %w", e, ErrOffline)
}

// ErrorResponse is the error returned for a non-2xx response.
type ErrorResponse struct {
	StatusCode int    `json:"StatusCode"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// IsClientError reports whether err is an *ErrorResponse with a 4xx status.
// Retrying such a request without changing it will not help.
func IsClientError(err error) bool {
	var resp *ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode >= 400 && resp.StatusCode < 500
}

// HTTPClient talks to the chat backend over HTTP.
type HTTPClient struct {
	baseURL   *url.URL
	http      *http.Client
	apiKey    string
	token     string
	userAgent string
}

const (
	defaultUserAgent = "chatcache/0.1"
	defaultTimeout   = 10 * time.Second
)

// HTTPOptions configures NewHTTPClient.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Token   string
	// Timeout bounds each request. Zero means 10s.
	Timeout time.Duration
}

// NewHTTPClient builds an HTTPClient for opts.BaseURL.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		apiKey:    opts.APIKey,
		token:     opts.Token,
		userAgent: defaultUserAgent,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("api base url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q: missing host", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Request implements Client.
func (c *HTTPClient) Request(ctx context.Context, e Endpoint, response any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	query := url.Values{}
	for k, vs := range e.Query {
		query[k] = append([]string(nil), vs...)
	}
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}
	reqURL := *c.baseURL
	reqURL.Path = c.baseURL.Path + "/" + strings.TrimPrefix(e.Path, "/")
	reqURL.RawQuery = query.Encode()

	var body io.Reader
	if e.Body != nil {
		data, err := json.Marshal(e.Body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, e.Method, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if e.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &ErrorResponse{}
		// The body is best effort; the status code is always reported.
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
