package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:5555", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.4 "}, "10.0.0.2:5555", "198.51.100.4"},
		{"socket", nil, "192.0.2.1:4000", "192.0.2.1"},
		{"no port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "bearer  abc ")
	if got := extractToken(r); got != "abc" {
		t.Fatalf("bearer token = %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcg==")
	r.Header.Set("X-API-Key", "k1")
	if got := extractToken(r); got != "k1" {
		t.Fatalf("api key = %q", got)
	}
}

func TestOriginAllowed(t *testing.T) {
	if !originAllowed(nil, "http://a") {
		t.Fatal("empty list should allow all")
	}
	if !originAllowed([]string{"HTTP://A"}, "http://a") {
		t.Fatal("origin match is case-insensitive")
	}
	if originAllowed([]string{"http://b"}, "http://a") {
		t.Fatal("unlisted origin allowed")
	}
}
