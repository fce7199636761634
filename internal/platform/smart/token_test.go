package smart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRefresh_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("expected grant_type=refresh_token, got %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("expected refresh_token=old-refresh, got %q", r.PostForm.Get("refresh_token"))
		}
		if r.PostForm.Get("client_id") != "client-1" {
			t.Errorf("expected client_id=client-1, got %q", r.PostForm.Get("client_id"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "system/*.read",
		})
	}))
	defer srv.Close()

	c := NewTokenClient(0)
	tr, err := c.Refresh(context.Background(), srv.URL, "client-1", "old-refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.AccessToken != "new-access" {
		t.Errorf("expected new-access, got %s", tr.AccessToken)
	}
	if tr.RefreshToken != "new-refresh" {
		t.Errorf("expected rotated refresh token, got %s", tr.RefreshToken)
	}

	now := time.Now()
	if got := tr.ExpiresAt(now); got.Sub(now) != time.Hour {
		t.Errorf("expected expiry one hour out, got %v", got.Sub(now))
	}
}

func TestRefresh_StringExpiresIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"1799"}`))
	}))
	defer srv.Close()

	c := NewTokenClient(0)
	tr, err := c.Refresh(context.Background(), srv.URL, "client-1", "r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int64(tr.ExpiresIn) != 1799 {
		t.Errorf("expected 1799, got %d", tr.ExpiresIn)
	}
}

func TestRefresh_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))
	defer srv.Close()

	c := NewTokenClient(0)
	_, err := c.Refresh(context.Background(), srv.URL, "client-1", "revoked")
	if !errors.Is(err, ErrGrantRejected) {
		t.Fatalf("expected ErrGrantRejected, got %v", err)
	}
}

func TestRefresh_ServerErrorIsNotGrantRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewTokenClient(0)
	_, err := c.Refresh(context.Background(), srv.URL, "client-1", "r")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrGrantRejected) {
		t.Fatal("a 502 must not be classified as a grant rejection")
	}
}

func TestClientCredentials_SendsSecretAndScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("expected client_credentials, got %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("client_secret") != "s3cret" {
			t.Errorf("expected client_secret, got %q", r.PostForm.Get("client_secret"))
		}
		if r.PostForm.Get("scope") != "system/Patient.read" {
			t.Errorf("expected scope, got %q", r.PostForm.Get("scope"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cc-token","expires_in":300}`))
	}))
	defer srv.Close()

	c := NewTokenClient(0)
	tr, err := c.ClientCredentials(context.Background(), srv.URL, "client-1", "s3cret", "system/Patient.read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.AccessToken != "cc-token" {
		t.Errorf("expected cc-token, got %s", tr.AccessToken)
	}
}

func TestRefresh_MissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	c := NewTokenClient(0)
	if _, err := c.Refresh(context.Background(), srv.URL, "client-1", "r"); err == nil {
		t.Fatal("expected error for response without access_token")
	}
}
