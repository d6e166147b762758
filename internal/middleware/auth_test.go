package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sandmaps/atlas/internal/auth"
)

func runAuthenticated(t *testing.T, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	svc := auth.NewService("test-signing-secret")

	var seenUserID string
	handler := Authenticate(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUserID = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/pois", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seenUserID
}

func TestAuthenticate_AnonymousPassThrough(t *testing.T) {
	rec, userID := runAuthenticated(t, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if userID != "" {
		t.Errorf("user id = %q, want empty for anonymous request", userID)
	}
}

func TestAuthenticate_ValidToken(t *testing.T) {
	svc := auth.NewService("test-signing-secret")
	token, err := svc.GenerateAccessToken("u1", "paul")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	var seenUserID string
	handler := Authenticate(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUserID = GetUserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/pois", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seenUserID != "u1" {
		t.Errorf("user id = %q, want u1", seenUserID)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	svc := auth.NewService("test-signing-secret")
	refresh, err := svc.GenerateRefreshToken("u1")
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	otherSvc := auth.NewService("some-other-secret")
	foreign, err := otherSvc.GenerateAccessToken("u1", "paul")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing scheme", "just-a-token"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + foreign},
		{"refresh token on api", "Bearer " + refresh},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, userID := runAuthenticated(t, tc.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if userID != "" {
				t.Errorf("handler ran with user id %q", userID)
			}
			if !strings.Contains(rec.Body.String(), "auth_failed") {
				t.Errorf("body %q lacks auth_failed code", rec.Body.String())
			}
		})
	}
}
