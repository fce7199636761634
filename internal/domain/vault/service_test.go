package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/interop/internal/domain/audit"
	"github.com/ehr/interop/internal/domain/connection"
	"github.com/ehr/interop/internal/platform/secrets"
	"github.com/ehr/interop/internal/platform/smart"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	creds map[uuid.UUID]*Credential
}

func newMockRepo() *mockRepo {
	return &mockRepo{creds: make(map[uuid.UUID]*Credential)}
}

func (m *mockRepo) Upsert(_ context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	cp.UpdatedAt = time.Now()
	m.creds[cred.ConnectionID] = &cp
	return nil
}

func (m *mockRepo) GetByConnection(_ context.Context, connectionID uuid.UUID) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (m *mockRepo) ClearAccessToken(_ context.Context, connectionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[connectionID]
	if !ok {
		return ErrNotFound
	}
	cred.AccessTokenEnc = ""
	cred.AccessExpiresAt = nil
	return nil
}

// -- Helpers --

type sinkFunc func(ctx context.Context, ev *audit.Event) error

func (f sinkFunc) Record(ctx context.Context, ev *audit.Event) error { return f(ctx, ev) }

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, repo Repository, sink audit.Sink) *Service {
	t.Helper()
	enc, err := secrets.NewEncryptor(testKey)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	return NewService(repo, enc, smart.NewTokenClient(5*time.Second), sink, zerolog.Nop())
}

// tokenServer counts requests and answers with sequentially numbered
// access tokens.
func tokenServer(t *testing.T, calls *int32, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d,"refresh_token":"rotated-%d"}`, n, expiresIn, n)
	}))
}

func testConnection(tokenURL string) *connection.Connection {
	return &connection.Connection{
		ID:       uuid.New(),
		Name:     "test",
		Vendor:   connection.VendorGeneric,
		BaseURL:  "https://fhir.example.com/r4",
		TokenURL: tokenURL,
		ClientID: "interop-client",
		Scopes:   "system/Patient.read",
		Status:   connection.StatusActive,
	}
}

func seedRefreshGrant(t *testing.T, svc *Service, connID uuid.UUID) {
	t.Helper()
	err := svc.Store(context.Background(), connID, &StoreRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: "seed-refresh-token",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
}

// -- Tests --

func TestStore_Validation(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil)

	cases := []struct {
		name string
		req  *StoreRequest
	}{
		{"unknown grant", &StoreRequest{GrantType: "password"}},
		{"refresh grant without token", &StoreRequest{GrantType: GrantRefreshToken}},
		{"client credentials without secret", &StoreRequest{GrantType: GrantClientCredentials}},
	}
	for _, tc := range cases {
		if err := svc.Store(context.Background(), uuid.New(), tc.req); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestStore_EncryptsAtRest(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, nil)

	connID := uuid.New()
	seedRefreshGrant(t, svc, connID)

	cred, err := repo.GetByConnection(context.Background(), connID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.RefreshTokenEnc == "" || cred.RefreshTokenEnc == "seed-refresh-token" {
		t.Error("refresh token must be stored encrypted")
	}

	enc, _ := secrets.NewEncryptor(testKey)
	plain, err := enc.Decrypt(cred.RefreshTokenEnc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "seed-refresh-token" {
		t.Errorf("round trip mismatch: %q", plain)
	}
}

func TestGetValidToken_RefreshAndCache(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	repo := newMockRepo()
	svc := newTestService(t, repo, nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	token, err := svc.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("expected tok-1, got %s", token)
	}

	// Second call is served from cache.
	token, err = svc.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("expected cached tok-1, got %s", token)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 token request, got %d", n)
	}
}

func TestGetValidToken_PersistsRotatedRefreshToken(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	repo := newMockRepo()
	svc := newTestService(t, repo, nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	if _, err := svc.GetValidToken(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cred, _ := repo.GetByConnection(context.Background(), conn.ID)
	enc, _ := secrets.NewEncryptor(testKey)

	refresh, err := enc.Decrypt(cred.RefreshTokenEnc)
	if err != nil {
		t.Fatalf("decrypt refresh: %v", err)
	}
	if refresh != "rotated-1" {
		t.Errorf("expected rotated refresh token persisted, got %q", refresh)
	}

	access, err := enc.Decrypt(cred.AccessTokenEnc)
	if err != nil {
		t.Fatalf("decrypt access: %v", err)
	}
	if access != "tok-1" {
		t.Errorf("expected access token persisted, got %q", access)
	}
	if cred.AccessExpiresAt == nil || time.Until(*cred.AccessExpiresAt) < 59*time.Minute {
		t.Error("expected expiry about an hour out")
	}
}

func TestGetValidToken_SingleFlight(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	svc := newTestService(t, newMockRepo(), nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetValidToken(context.Background(), conn); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single shared refresh, got %d", n)
	}
}

func TestGetValidToken_RefreshesInsideMargin(t *testing.T) {
	var calls int32
	// 30s lifetime sits inside the 60s safety margin, so every call
	// must go back to the token endpoint.
	srv := tokenServer(t, &calls, 30)
	defer srv.Close()

	svc := newTestService(t, newMockRepo(), nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	svc.GetValidToken(context.Background(), conn)
	svc.GetValidToken(context.Background(), conn)

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 refreshes for short-lived tokens, got %d", n)
	}
}

func TestGetValidToken_GrantRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	}))
	defer srv.Close()

	svc := newTestService(t, newMockRepo(), nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	_, err := svc.GetValidToken(context.Background(), conn)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestGetValidToken_NoCredentials(t *testing.T) {
	svc := newTestService(t, newMockRepo(), nil)
	conn := testConnection("https://token.example.com")

	_, err := svc.GetValidToken(context.Background(), conn)
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestGetValidToken_ReusesPersistedToken(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	repo := newMockRepo()
	svcA := newTestService(t, repo, nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svcA, conn.ID)

	if _, err := svcA.GetValidToken(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second service instance with a cold cache finds the persisted
	// token and does not hit the endpoint again.
	svcB := newTestService(t, repo, nil)
	token, err := svcB.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("expected persisted tok-1, got %s", token)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected no extra refresh, got %d", n)
	}
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	svc := newTestService(t, newMockRepo(), nil)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	svc.GetValidToken(context.Background(), conn)
	if err := svc.Invalidate(context.Background(), conn.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err := svc.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-2" {
		t.Errorf("expected fresh tok-2 after invalidate, got %s", token)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 token requests, got %d", n)
	}
}

func TestClientCredentialsFlow(t *testing.T) {
	var gotSecret, gotScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotSecret = r.Form.Get("client_secret")
		gotScope = r.Form.Get("scope")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"cc-tok","expires_in":600}`)
	}))
	defer srv.Close()

	svc := newTestService(t, newMockRepo(), nil)
	conn := testConnection(srv.URL)
	err := svc.Store(context.Background(), conn.ID, &StoreRequest{
		GrantType:    GrantClientCredentials,
		ClientSecret: "backend-secret",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	token, err := svc.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "cc-tok" {
		t.Errorf("expected cc-tok, got %s", token)
	}
	if gotSecret != "backend-secret" {
		t.Errorf("expected decrypted secret on the wire, got %q", gotSecret)
	}
	if gotScope != conn.Scopes {
		t.Errorf("expected scopes forwarded, got %q", gotScope)
	}
}

func TestRefreshEmitsAuditEvent(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	var actions []string
	sink := sinkFunc(func(_ context.Context, ev *audit.Event) error {
		actions = append(actions, ev.Action)
		return nil
	})

	svc := newTestService(t, newMockRepo(), sink)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	if _, err := svc.GetValidToken(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sawStore, sawRefresh bool
	for _, a := range actions {
		switch a {
		case audit.ActionCredentialStored:
			sawStore = true
		case audit.ActionCredentialRefreshed:
			sawRefresh = true
		}
	}
	if !sawStore || !sawRefresh {
		t.Errorf("expected store and refresh audit events, got %v", actions)
	}
}

func TestFailedRefreshEmitsAuditEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	}))
	defer srv.Close()

	var events []*audit.Event
	sink := sinkFunc(func(_ context.Context, ev *audit.Event) error {
		events = append(events, ev)
		return nil
	})

	svc := newTestService(t, newMockRepo(), sink)
	conn := testConnection(srv.URL)
	seedRefreshGrant(t, svc, conn.ID)

	if _, err := svc.GetValidToken(context.Background(), conn); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}

	var failure *audit.Event
	for _, ev := range events {
		if ev.Action == audit.ActionCredentialRefreshFailed {
			failure = ev
		}
	}
	if failure == nil {
		t.Fatalf("expected a %s event, got %v", audit.ActionCredentialRefreshFailed, events)
	}
	if failure.Actor != audit.ActorSystem {
		t.Errorf("expected system actor, got %q", failure.Actor)
	}
	if detail := string(failure.Detail); strings.Contains(detail, "seed-refresh-token") {
		t.Errorf("failure detail must not carry token material: %s", detail)
	}
}
