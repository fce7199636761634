// Package fhirclient is the outbound FHIR R4 REST client used to talk
// to external EHR endpoints. One Client is built per connection; bearer
// tokens come from a TokenSource so credential rotation stays in the
// vault. Transient failures (network, 5xx, 429) are retried with
// exponential backoff; auth and validation failures are not.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/platform/fhir"
)

// TokenSource supplies the bearer token for each request.
type TokenSource func(ctx context.Context) (string, error)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	PageSize    int
}

// Client issues REST interactions against one FHIR base URL.
type Client struct {
	http        *resty.Client
	baseURL     string
	tokens      TokenSource
	maxAttempts int
	pageSize    int
	logger      zerolog.Logger
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultPageSize    = 50

	// maxPages bounds next-link traversal so a misbehaving server
	// cannot trap a sync pass in a pagination loop.
	maxPages = 1000
)

// New creates a Client for the given base URL. tokens may be nil for
// servers that accept unauthenticated reads (test fixtures).
func New(opts Options, tokens TokenSource, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/fhir+json").
		SetHeader("Content-Type", "application/fhir+json")

	return &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		tokens:      tokens,
		maxAttempts: maxAttempts,
		pageSize:    pageSize,
		logger:      logger,
	}
}

// Metadata fetches the server's CapabilityStatement. Used by connection
// tests to verify the base URL and credentials.
func (c *Client) Metadata(ctx context.Context) (*fhir.CapabilityStatement, error) {
	body, err := c.do(ctx, http.MethodGet, "/metadata", nil)
	if err != nil {
		return nil, err
	}

	var cs fhir.CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, fmt.Errorf("fhirclient: decode capability statement: %w", err)
	}
	return &cs, nil
}

// Read fetches a single resource by type and id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/%s", resourceType, id), nil)
}

// Search runs a type-level search with the given parameters, returning
// the first page. The page size is applied unless the caller set _count.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if q.Get("_count") == "" {
		q.Set("_count", fmt.Sprintf("%d", c.pageSize))
	}

	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s?%s", resourceType, q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	return decodeBundle(body)
}

// SearchURL fetches a bundle page by absolute URL, used to follow
// next links.
func (c *Client) SearchURL(ctx context.Context, pageURL string) (*fhir.Bundle, error) {
	body, err := c.do(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	return decodeBundle(body)
}

// ForEachPage runs a search and invokes fn for every page, following
// next links until the last page, an error from fn, or the page cap.
func (c *Client) ForEachPage(ctx context.Context, resourceType string, params url.Values, fn func(*fhir.Bundle) error) error {
	bundle, err := c.Search(ctx, resourceType, params)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for page := 1; ; page++ {
		if err := fn(bundle); err != nil {
			return err
		}

		next := bundle.NextURL()
		if next == "" {
			return nil
		}
		if page >= maxPages {
			return fmt.Errorf("fhirclient: %s search exceeded %d pages", resourceType, maxPages)
		}
		if seen[next] {
			return fmt.Errorf("fhirclient: %s search repeated next link %s", resourceType, next)
		}
		seen[next] = true

		bundle, err = c.SearchURL(ctx, next)
		if err != nil {
			return err
		}
	}
}

// Create posts a new resource and returns the server's representation.
func (c *Client) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/"+resourceType, resource)
}

// Update puts a resource at its id and returns the server's
// representation.
func (c *Client) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/%s/%s", resourceType, id), resource)
}

// do issues one request with auth and retry. target may be a path
// relative to the base URL or an absolute URL (next links).
func (c *Client) do(ctx context.Context, method, target string, body interface{}) (json.RawMessage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx)

	var result json.RawMessage
	op := func() error {
		token := ""
		if c.tokens != nil {
			var err error
			token, err = c.tokens(ctx)
			if err != nil {
				// Token acquisition failures are the vault's concern,
				// never retried here.
				return backoff.Permanent(fmt.Errorf("fhirclient: acquire token: %w", err))
			}
		}

		req := c.http.R().SetContext(ctx)
		if token != "" {
			req.SetHeader("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.SetBody(body)
		}

		resp, err := req.Execute(method, target)
		if err != nil {
			// Transport-level failure, retryable.
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}

		if err := classify(resp); err != nil {
			if transient(resp.StatusCode()) {
				return err
			}
			return backoff.Permanent(err)
		}

		result = append(json.RawMessage(nil), resp.Body()...)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str("target", target).
			Dur("retry_in", wait).
			Msg("fhir request retry")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

// classify maps an HTTP response to the client error taxonomy.
func classify(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuthRejected, code)
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w (status %d)", ErrNotFound, code)
	default:
		return &RemoteError{StatusCode: code, Diagnostics: outcomeDiagnostics(resp.Body())}
	}
}

func transient(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// outcomeDiagnostics pulls the first issue diagnostics out of an
// OperationOutcome body, if that is what the server returned.
func outcomeDiagnostics(body []byte) string {
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return ""
	}
	if oo.ResourceType != "OperationOutcome" {
		return ""
	}
	return oo.Diagnostics()
}

func decodeBundle(body []byte) (*fhir.Bundle, error) {
	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("fhirclient: decode bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("fhirclient: expected Bundle, got %s", bundle.ResourceType)
	}
	return &bundle, nil
}
