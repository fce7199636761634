// Package vault stores per-connection OAuth credentials encrypted at
// rest and serves short-lived access tokens to the sync engine. Token
// values are never logged and never leave the package in persisted or
// serialized form.
package vault

import (
	"time"

	"github.com/google/uuid"
)

const (
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Credential is the stored secret material for one connection. The
// *Enc fields hold base64 ciphertext and are excluded from JSON.
type Credential struct {
	ConnectionID    uuid.UUID  `json:"connection_id"`
	GrantType       string     `json:"grant_type"`
	RefreshTokenEnc string     `json:"-"`
	ClientSecretEnc string     `json:"-"`
	AccessTokenEnc  string     `json:"-"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Info is what the admin API may see about a credential: presence and
// freshness, never values.
type Info struct {
	ConnectionID    uuid.UUID  `json:"connection_id"`
	GrantType       string     `json:"grant_type"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	HasClientSecret bool       `json:"has_client_secret"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// StoreRequest seeds or replaces a connection's credentials.
type StoreRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}
