// Package middleware carries the HTTP cross-cutting concerns of the REST
// control plane: caller identification and per-agent rate limiting.
package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	agentKey   contextKey = "agent_id"
	sessionKey contextKey = "session_id"
)

// HeaderAgentID and HeaderSessionID identify the calling agent. Handlers
// that need a session still verify it against the registry; the headers
// only scope rate limits and logs.
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderSessionID = "X-Session-ID"
)

// AgentContext injects the caller identity headers into the request
// context. Absent headers default to "anonymous" so the rate limiter
// always has a key; the handshake endpoint is reachable without one.
func AgentContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent := r.Header.Get(HeaderAgentID)
		if agent == "" {
			agent = "anonymous"
		}
		ctx := context.WithValue(r.Context(), agentKey, agent)
		if sid := r.Header.Get(HeaderSessionID); sid != "" {
			ctx = context.WithValue(ctx, sessionKey, sid)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentID returns the caller identity injected by AgentContext.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey).(string); ok {
		return v
	}
	return "anonymous"
}

// SessionID returns the session header value, empty when absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}
