package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("jwt-test-secret")

func secretFunc() []byte { return testSecret }

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	return RequireAdmin(secretFunc, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AdminSubjectFromContext(r.Context()) != "admin" {
			t.Error("admin subject missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRequireAdminValidToken(t *testing.T) {
	token, expiresAt, err := GenerateAdminToken(testSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatal("token already expired")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/config", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protectedHandler(t).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireAdminRejects(t *testing.T) {
	wrongKey, _, err := GenerateAdminToken([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			Issuer:    "redphoned",
			Subject:   "admin",
		},
	})
	expiredToken, err := expired.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic YWRtaW46aHVudGVyMg=="},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + wrongKey},
		{"expired", "Bearer " + expiredToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/config", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			handler := RequireAdmin(secretFunc, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler reached with invalid auth")
			}))
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}
