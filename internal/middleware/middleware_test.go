package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAgentContextDefaults(t *testing.T) {
	var gotAgent, gotSession string
	h := AgentContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = AgentID(r.Context())
		gotSession = SessionID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotAgent != "anonymous" {
		t.Fatalf("expected anonymous fallback, got %q", gotAgent)
	}
	if gotSession != "" {
		t.Fatalf("expected empty session, got %q", gotSession)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAgentID, "agent-7")
	req.Header.Set(HeaderSessionID, "sess-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotAgent != "agent-7" || gotSession != "sess-1" {
		t.Fatalf("headers not propagated: agent=%q session=%q", gotAgent, gotSession)
	}
}

func TestRateLimiterWindowBudget(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 5})

	for i := 0; i < 3; i++ {
		if !rl.Allow("agent-1") {
			t.Fatalf("call %d should be within budget", i)
		}
	}
	if rl.Allow("agent-1") {
		t.Fatal("call over the steady limit must be rejected")
	}

	// Another agent has its own window.
	if !rl.Allow("agent-2") {
		t.Fatal("limits are per agent")
	}
}

func TestRateLimiterMiddlewareResponds429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	h := AgentContext(rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAgentID, "agent-1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first call should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call should be limited, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatal("429 must carry Retry-After")
	}
}
