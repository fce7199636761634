package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/platform/fhirclient"
	"github.com/ehr/interop/internal/platform/secrets"
	"github.com/ehr/interop/internal/platform/smart"
)

// ErrAuthExpired indicates the stored grant no longer works and the
// connection must be re-authorized before sync can resume.
var ErrAuthExpired = errors.New("vault: authorization expired")

// ErrNoCredentials indicates the connection was never seeded.
var ErrNoCredentials = errors.New("vault: no credentials stored")

// expiryMargin is how close to expiry a cached token may be before it
// is refreshed. Keeps tokens from dying mid-request during a pass.
const expiryMargin = 60 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

func (c cachedToken) valid(now time.Time) bool {
	return c.token != "" && now.Add(expiryMargin).Before(c.expiresAt)
}

type Service struct {
	repo   Repository
	enc    *secrets.Encryptor
	tokens *smart.TokenClient
	audit  audit.Sink
	logger zerolog.Logger

	cacheMu sync.RWMutex
	cache   map[uuid.UUID]cachedToken

	flightMu sync.Mutex
	flights  map[uuid.UUID]*sync.Mutex
}

func NewService(repo Repository, enc *secrets.Encryptor, tokens *smart.TokenClient, sink audit.Sink, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		enc:     enc,
		tokens:  tokens,
		audit:   sink,
		logger:  logger,
		cache:   make(map[uuid.UUID]cachedToken),
		flights: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Store seeds or replaces a connection's credentials. Any cached access
// token is dropped so the next request uses the new material.
func (s *Service) Store(ctx context.Context, connectionID uuid.UUID, req *StoreRequest) error {
	switch req.GrantType {
	case GrantRefreshToken:
		if req.RefreshToken == "" {
			return fmt.Errorf("refresh_token is required for the refresh_token grant")
		}
	case GrantClientCredentials:
		if req.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for the client_credentials grant")
		}
	default:
		return fmt.Errorf("invalid grant_type: %s", req.GrantType)
	}

	cred := &Credential{ConnectionID: connectionID, GrantType: req.GrantType}
	if req.RefreshToken != "" {
		enc, err := s.enc.Encrypt(req.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		cred.RefreshTokenEnc = enc
	}
	if req.ClientSecret != "" {
		enc, err := s.enc.Encrypt(req.ClientSecret)
		if err != nil {
			return fmt.Errorf("encrypt client secret: %w", err)
		}
		cred.ClientSecretEnc = enc
	}

	if err := s.repo.Upsert(ctx, cred); err != nil {
		return err
	}
	s.drop(connectionID)

	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.TokenRefresh(audit.ActionCredentialStored, audit.ActorSystem, connectionID, nil))
	}
	return nil
}

// GetValidToken returns an access token valid for at least the expiry
// margin, refreshing through the connection's token endpoint when
// needed. Concurrent callers for the same connection share one refresh.
func (s *Service) GetValidToken(ctx context.Context, conn *connection.Connection) (string, error) {
	s.cacheMu.RLock()
	tok, ok := s.cache[conn.ID]
	s.cacheMu.RUnlock()
	if ok && tok.valid(time.Now()) {
		return tok.token, nil
	}

	fl := s.flight(conn.ID)
	fl.Lock()
	defer fl.Unlock()

	// Another caller may have refreshed while this one waited.
	s.cacheMu.RLock()
	tok, ok = s.cache[conn.ID]
	s.cacheMu.RUnlock()
	if ok && tok.valid(time.Now()) {
		return tok.token, nil
	}

	return s.refresh(ctx, conn)
}

// TokenSource adapts the vault to the FHIR client's token callback.
func (s *Service) TokenSource(conn *connection.Connection) fhirclient.TokenSource {
	return func(ctx context.Context) (string, error) {
		return s.GetValidToken(ctx, conn)
	}
}

// Invalidate drops the cached access token, forcing a refresh on the
// next request. Used when a remote server rejects a token mid-pass.
func (s *Service) Invalidate(ctx context.Context, connectionID uuid.UUID) error {
	s.drop(connectionID)
	if err := s.repo.ClearAccessToken(ctx, connectionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.TokenRefresh(audit.ActionCredentialInvalidated, audit.ActorSystem, connectionID, nil))
	}
	return nil
}

// Info reports credential presence without exposing values.
func (s *Service) Info(ctx context.Context, connectionID uuid.UUID) (*Info, error) {
	cred, err := s.repo.GetByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return &Info{
		ConnectionID:    cred.ConnectionID,
		GrantType:       cred.GrantType,
		HasRefreshToken: cred.RefreshTokenEnc != "",
		HasClientSecret: cred.ClientSecretEnc != "",
		AccessExpiresAt: cred.AccessExpiresAt,
		UpdatedAt:       cred.UpdatedAt,
	}, nil
}

// refresh is called under the per-connection flight lock.
func (s *Service) refresh(ctx context.Context, conn *connection.Connection) (string, error) {
	cred, err := s.repo.GetByConnection(ctx, conn.ID)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: connection %s", ErrNoCredentials, conn.ID)
	}
	if err != nil {
		return "", err
	}

	// Another instance may have refreshed; reuse its persisted token
	// when it is still fresh enough.
	if cred.AccessTokenEnc != "" && cred.AccessExpiresAt != nil &&
		time.Now().Add(expiryMargin).Before(*cred.AccessExpiresAt) {
		if token, decErr := s.enc.Decrypt(cred.AccessTokenEnc); decErr == nil {
			s.put(conn.ID, token, *cred.AccessExpiresAt)
			return token, nil
		}
		// Undecryptable cache entries (key rotation) fall through to a
		// fresh grant exchange.
	}

	var resp *smart.TokenResponse
	switch cred.GrantType {
	case GrantRefreshToken:
		refreshToken, decErr := s.enc.Decrypt(cred.RefreshTokenEnc)
		if decErr != nil {
			decErr = fmt.Errorf("vault: decrypt refresh token: %w", decErr)
			s.auditRefreshFailure(ctx, conn.ID, cred.GrantType, decErr)
			return "", decErr
		}
		resp, err = s.tokens.Refresh(ctx, conn.TokenURL, conn.ClientID, refreshToken)
	case GrantClientCredentials:
		secret, decErr := s.enc.Decrypt(cred.ClientSecretEnc)
		if decErr != nil {
			decErr = fmt.Errorf("vault: decrypt client secret: %w", decErr)
			s.auditRefreshFailure(ctx, conn.ID, cred.GrantType, decErr)
			return "", decErr
		}
		resp, err = s.tokens.ClientCredentials(ctx, conn.TokenURL, conn.ClientID, secret, conn.Scopes)
	default:
		return "", fmt.Errorf("vault: unknown grant type %q", cred.GrantType)
	}
	if err != nil {
		if errors.Is(err, smart.ErrGrantRejected) {
			err = fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}
		s.auditRefreshFailure(ctx, conn.ID, cred.GrantType, err)
		return "", err
	}

	expiresAt := resp.ExpiresAt(time.Now())
	encTok, err := s.enc.Encrypt(resp.AccessToken)
	if err != nil {
		return "", fmt.Errorf("vault: encrypt access token: %w", err)
	}
	cred.AccessTokenEnc = encTok
	cred.AccessExpiresAt = &expiresAt

	// Rotated refresh tokens must replace the old one or the next
	// refresh fails against servers that single-use them.
	if resp.RefreshToken != "" && cred.GrantType == GrantRefreshToken {
		encRefresh, err := s.enc.Encrypt(resp.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("vault: encrypt rotated refresh token: %w", err)
		}
		cred.RefreshTokenEnc = encRefresh
	}

	if err := s.repo.Upsert(ctx, cred); err != nil {
		return "", fmt.Errorf("vault: persist refreshed credential: %w", err)
	}
	s.put(conn.ID, resp.AccessToken, expiresAt)

	s.logger.Debug().
		Str("connection_id", conn.ID.String()).
		Time("expires_at", expiresAt).
		Msg("access token refreshed")
	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.TokenRefresh(audit.ActionCredentialRefreshed, audit.ActorSystem, conn.ID, map[string]interface{}{
			"grant_type": cred.GrantType,
		}))
	}
	return resp.AccessToken, nil
}

// auditRefreshFailure records a refresh attempt the token endpoint (or
// the local decrypt step) rejected. The detail carries the error class
// only, never token material.
func (s *Service) auditRefreshFailure(ctx context.Context, connectionID uuid.UUID, grantType string, cause error) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.TokenRefresh(audit.ActionCredentialRefreshFailed, audit.ActorSystem, connectionID, map[string]interface{}{
		"grant_type": grantType,
		"error":      cause.Error(),
	}))
}

func (s *Service) put(id uuid.UUID, token string, expiresAt time.Time) {
	s.cacheMu.Lock()
	s.cache[id] = cachedToken{token: token, expiresAt: expiresAt}
	s.cacheMu.Unlock()
}

func (s *Service) drop(id uuid.UUID) {
	s.cacheMu.Lock()
	delete(s.cache, id)
	s.cacheMu.Unlock()
}

func (s *Service) flight(id uuid.UUID) *sync.Mutex {
	s.flightMu.Lock()
	defer s.flightMu.Unlock()
	m, ok := s.flights[id]
	if !ok {
		m = &sync.Mutex{}
		s.flights[id] = m
	}
	return m
}
