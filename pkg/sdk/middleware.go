package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// GateMiddleware is HTTP middleware that intercepts tool-call requests
// and routes them through the hub before the tool server sees them.
// It understands the common wire shapes: {"tool_name": ...},
// {"name": ...} (MCP) and {"function": ...} (OpenAI).
//
// Blocked calls come back as 403 with the hub's reason; escalated calls
// as 202 so the caller can retry after review. A hub error rejects the
// call with 503: the gate fails closed.
//
// Usage with standard net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/tools/", sdk.GateMiddleware(client, toolHandler))
//
// Usage with Gorilla Mux:
//
//	router.Use(sdk.GateMiddlewareFunc(client))
func GateMiddleware(client *Client, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var toolReq struct {
			ToolName  string                 `json:"tool_name"`
			Name      string                 `json:"name"`     // MCP format
			Function  string                 `json:"function"` // OpenAI format
			Arguments map[string]interface{} `json:"arguments"`
			Params    map[string]interface{} `json:"params"`
		}

		// Requests that don't parse as tool calls are not ours to judge.
		if json.Unmarshal(body, &toolReq) != nil {
			next.ServeHTTP(w, r)
			return
		}
		toolName := toolReq.ToolName
		if toolName == "" {
			toolName = toolReq.Name
		}
		if toolName == "" {
			toolName = toolReq.Function
		}
		if toolName == "" {
			next.ServeHTTP(w, r)
			return
		}

		args := toolReq.Arguments
		if args == nil {
			args = toolReq.Params
		}

		v, err := client.Validate(r.Context(), toolName, flattenArgs(args))
		if err != nil {
			slog.Warn("hub validation unavailable, rejecting tool call", "tool", toolName, "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "tool call validation unavailable",
			})
			return
		}

		w.Header().Set("X-ForgeGate-Decision", v.Result.Decision)
		w.Header().Set("X-ForgeGate-Request-ID", v.RequestID)

		switch v.Result.Decision {
		case DecisionBlocked:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":      "tool call blocked",
				"decision":   v.Result.Decision,
				"reason":     v.Result.Reason,
				"request_id": v.RequestID,
			})
			return
		case DecisionEscalate, DecisionUncertain:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":     "held_for_review",
				"decision":   v.Result.Decision,
				"reason":     v.Result.Reason,
				"request_id": v.RequestID,
			})
			return
		}

		// Approved — serve the actual handler
		next.ServeHTTP(w, r)
	})
}

// GateMiddlewareFunc returns Gorilla Mux compatible middleware
func GateMiddlewareFunc(client *Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return GateMiddleware(client, next)
	}
}

// flattenArgs squashes structured tool arguments into the hub's
// string-keyed input form. Nested values keep their printed shape so
// the policy rules can still pattern-match them.
func flattenArgs(args map[string]interface{}) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// WrapHTTPClient returns an http.Client that validates every outbound
// request with the hub before sending it, as a WebFetch tool call on
// the request URL. Point an agent's HTTP tooling at it so web access
// obeys the same policy as file and shell access.
//
//	gated := sdk.WrapHTTPClient(hubClient, http.DefaultClient)
//	resp, err := gated.Get("https://internal-wiki.example.com/runbook")
func WrapHTTPClient(hubClient *Client, wrapped *http.Client) *http.Client {
	return &http.Client{
		Timeout: wrapped.Timeout,
		Transport: &gatedTransport{
			client:  hubClient,
			wrapped: wrapped.Transport,
		},
	}
}

type gatedTransport struct {
	client  *Client
	wrapped http.RoundTripper
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	v, err := t.client.Validate(req.Context(), "WebFetch", map[string]string{
		"url":    req.URL.String(),
		"method": req.Method,
	})
	if err != nil {
		return nil, fmt.Errorf("forgegate-sdk: outbound request not validated: %w", err)
	}
	if v.Result.Decision != DecisionApproved {
		return nil, fmt.Errorf("forgegate-sdk: outbound request to %s %s: %s", req.Method, req.URL.Host, v.Result.Reason)
	}

	transport := t.wrapped
	if transport == nil {
		transport = http.DefaultTransport
	}
	resp, err := transport.RoundTrip(req)

	if err == nil {
		slog.Info("[ForgeGate]", "method", req.Method, "host", req.URL.Host, "decision", v.Result.Decision, "status_code", resp.StatusCode, "sincestart", time.Since(start))
	}
	return resp, err
}
