package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsHandler(cfg CORSConfig) http.Handler {
	return CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	handler := corsHandler(CORSConfig{
		AllowedOrigins:   []string{"https://app.geo.example"},
		AllowCredentials: true,
		MaxAgeSeconds:    600,
	})
	req := httptest.NewRequest(http.MethodOptions, "/v1/payments", nil)
	req.Header.Set("Origin", "https://app.geo.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight status: %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://app.geo.example" {
		t.Fatalf("allow-origin: %q", got)
	}
	if res.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials header missing")
	}
	if res.Header().Get("Access-Control-Max-Age") != "600" {
		t.Fatalf("max-age: %q", res.Header().Get("Access-Control-Max-Age"))
	}
	if res.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Fatalf("allow-headers missing on preflight")
	}
}

func TestCORSSkipsUnknownOrigin(t *testing.T) {
	handler := corsHandler(CORSConfig{
		AllowedOrigins: []string{"https://app.geo.example"},
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/balances", nil)
	req.Header.Set("Origin", "https://evil.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	// The request is still served; the browser refuses it for lack of the
	// header.
	if res.Code != http.StatusOK {
		t.Fatalf("status: %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin approved: %q", got)
	}
}

func TestCORSEmptyPolicyEchoesAnyOrigin(t *testing.T) {
	handler := corsHandler(CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example" {
		t.Fatalf("allow-origin: %q", got)
	}
	if res.Header().Get("Vary") != "Origin" {
		t.Fatalf("vary header: %q", res.Header().Get("Vary"))
	}
	if res.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("credentials header set without config")
	}
}
