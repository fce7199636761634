// Package smart implements the SMART on FHIR OAuth2 token flows the
// engine uses against EHR authorization servers: refresh_token for
// connections seeded with a user-facing grant, and client_credentials
// for backend-service connections.
package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrGrantRejected indicates the authorization server refused the
// grant (expired or revoked refresh token, bad client). The credential
// cannot be repaired without re-authorizing the connection.
var ErrGrantRejected = errors.New("smart: grant rejected")

// TokenResponse is the token endpoint's successful response.
type TokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	TokenType    string      `json:"token_type,omitempty"`
	Scope        string      `json:"scope,omitempty"`
	ExpiresIn    flexSeconds `json:"expires_in"`
}

// ExpiresAt converts expires_in into an absolute deadline.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// flexSeconds tolerates token endpoints that send expires_in as a JSON
// string instead of a number.
type flexSeconds int64

func (f *flexSeconds) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexSeconds(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expires_in: %s", string(data))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*f = flexSeconds(n)
	return nil
}

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// TokenClient talks to SMART token endpoints.
type TokenClient struct {
	http *resty.Client
}

func NewTokenClient(timeout time.Duration) *TokenClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TokenClient{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// Refresh exchanges a refresh token for a new access token. Servers may
// rotate the refresh token; callers must persist the returned pair.
func (c *TokenClient) Refresh(ctx context.Context, tokenURL, clientID, refreshToken string) (*TokenResponse, error) {
	return c.post(ctx, tokenURL, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
	})
}

// ClientCredentials obtains a token via the backend-services flow.
func (c *TokenClient) ClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret, scope string) (*TokenResponse, error) {
	form := map[string]string{
		"grant_type": "client_credentials",
		"client_id":  clientID,
	}
	if clientSecret != "" {
		form["client_secret"] = clientSecret
	}
	if scope != "" {
		form["scope"] = scope
	}
	return c.post(ctx, tokenURL, form)
}

func (c *TokenClient) post(ctx context.Context, tokenURL string, form map[string]string) (*TokenResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(tokenURL)
	if err != nil {
		return nil, fmt.Errorf("smart: token request: %w", err)
	}

	if resp.IsError() {
		var oe oauthError
		_ = json.Unmarshal(resp.Body(), &oe)
		code := resp.StatusCode()
		if code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden {
			if oe.Code != "" {
				return nil, fmt.Errorf("%w: %s (%s)", ErrGrantRejected, oe.Code, oe.Description)
			}
			return nil, fmt.Errorf("%w: status %d", ErrGrantRejected, code)
		}
		return nil, fmt.Errorf("smart: token endpoint returned %d", code)
	}

	var tr TokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return nil, fmt.Errorf("smart: parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("smart: token response missing access_token")
	}
	return &tr, nil
}
