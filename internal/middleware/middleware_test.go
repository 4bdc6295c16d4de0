package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubTokens map[string]string

func (s stubTokens) Parse(tok string) (string, error) {
	if id, ok := s[tok]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Actor(r.Context())))
	})
}

func TestAuthenticateHeader(t *testing.T) {
	h := Authenticate(stubTokens{"good": "mei"})(echoActor())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK || resp.Body.String() != "mei" {
		t.Fatalf("expected actor mei, got %d %q", resp.Code, resp.Body.String())
	}
}

func TestAuthenticateQueryToken(t *testing.T) {
	h := Authenticate(stubTokens{"good": "tomas"})(echoActor())

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=good", nil)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Body.String() != "tomas" {
		t.Fatalf("expected actor tomas, got %q", resp.Body.String())
	}
}

func TestAuthenticateRejects(t *testing.T) {
	h := Authenticate(stubTokens{"good": "mei"})(echoActor())

	for name, header := range map[string]string{"missing": "", "invalid": "Bearer nope", "scheme": "Basic good"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "https://app.test")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://app.test" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.test")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusTeapot || resp.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin should pass through without CORS headers")
	}
}

func TestCORSWildcardNeverAllowsCredentials(t *testing.T) {
	h := CORS([]string{"*", "https://app.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.Header.Set("Origin", "https://evil.test")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("wildcard should answer *, got %q", got)
	}
	if got := resp.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("wildcard must not allow credentials, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.Header.Set("Origin", "https://app.test")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://app.test" {
		t.Fatalf("listed origin should be echoed, got %q", got)
	}
	if got := resp.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("listed origin keeps credentials, got %q", got)
	}
}
