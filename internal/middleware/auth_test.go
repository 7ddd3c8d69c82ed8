package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticVerifier struct {
	token     string
	principal string
}

func (v staticVerifier) VerifyToken(token string) (string, error) {
	if token == v.token {
		return v.principal, nil
	}
	return "", fmt.Errorf("invalid token")
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	var principal string
	handler := BearerAuth(staticVerifier{"tok-1", "alice"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal = PrincipalFromContext(r.Context())
		}))

	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if principal != "alice" {
		t.Errorf("expected principal alice, got %q", principal)
	}
}

func TestBearerAuthRejects(t *testing.T) {
	handler := BearerAuth(staticVerifier{"tok-1", "alice"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run for rejected request")
		}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Token abc"},
		{"wrong token", "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rr.Code)
			}
			if rr.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Error("expected WWW-Authenticate: Bearer header")
			}
		})
	}
}

func TestBearerAuthExemptPaths(t *testing.T) {
	called := false
	handler := BearerAuth(staticVerifier{"tok-1", "alice"}, "/login", "/register")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/login", nil))

	if !called {
		t.Error("exempt path should bypass auth")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
