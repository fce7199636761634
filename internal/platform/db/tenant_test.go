package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "mercy_general")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "mercy_general" {
		t.Errorf("expected mercy_general, got %s", tid)
	}
}

func TestExtractTenantID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=westside_clinic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "westside_clinic" {
		t.Errorf("expected westside_clinic, got %s", tid)
	}
}

func TestExtractTenantID_FromJWT(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_tenant_id", "token_tenant")

	tid := extractTenantID(c, "default")
	if tid != "token_tenant" {
		t.Errorf("expected token_tenant, got %s", tid)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

// The token claim wins over the header, the header over the query
// string.
func TestExtractTenantID_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_id=query", nil)
	req.Header.Set("X-Tenant-ID", "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_tenant_id", "jwt")

	if tid := extractTenantID(c, "default"); tid != "jwt" {
		t.Errorf("expected jwt, got %s", tid)
	}

	c.Set("jwt_tenant_id", "")
	if tid := extractTenantID(c, "default"); tid != "header" {
		t.Errorf("an empty claim falls through to the header, got %s", tid)
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"mercy_general_1", true},
		{"a", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"", false},
		{"$pecial", false},
		{"'; DROP TABLE", false},
	}
	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "mercy_general")
	if tid := TenantFromContext(ctx); tid != "mercy_general" {
		t.Errorf("expected mercy_general, got %s", tid)
	}
	if tid := TenantFromContext(context.Background()); tid != "" {
		t.Errorf("expected empty string, got %s", tid)
	}
	// Wrong value type reads as absent.
	ctx = context.WithValue(context.Background(), TenantIDKey, 12345)
	if tid := TenantFromContext(ctx); tid != "" {
		t.Errorf("expected empty string for non-string value, got %q", tid)
	}
}

func TestConnFromContext_Absent(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil conn from empty context")
	}
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if conn := ConnFromContext(ctx); conn != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestTxFromContext_Absent(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestCreateTenantSchema_RejectsInvalidIDs(t *testing.T) {
	invalidIDs := []string{"invalid-id!", "tenant.with.dot", "ten ant", "drop;table"}
	for _, id := range invalidIDs {
		if err := CreateTenantSchema(context.Background(), nil, id, ""); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Error("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}
