package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestIDFromContext(r.Context()) == "" {
			t.Fatal("request id missing from context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
}

func TestRequestIDHonorsUpstream(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("X-Request-Id", "upstream-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-1" {
		t.Fatalf("expected upstream request id, got %q", seen)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing frame options header")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("missing CSP header")
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	h := RateLimit(okHandler(), 2, 1)

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("expected first requests within burst to pass: %v", statuses)
	}
	if statuses[3] != http.StatusTooManyRequests {
		t.Fatalf("expected burst overflow to be limited: %v", statuses)
	}
}

func TestMaxBodyBytesLimitsPayload(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("admin", "org-1", []string{"administrator"})

	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'a'
	}
	resp := api.post("/v1/authorizations", map[string]any{
		"patient_id": string(big),
	}, api.authHeader(admin))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", resp.StatusCode)
	}
}
