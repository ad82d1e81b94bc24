// Package sdk is the ForgeGate client library for coding agents.
//
// Agents embed this library to route every tool call through the hub's
// validation pipeline before executing it, and to work on project files
// through the hub's event-sourced store instead of the raw filesystem.
//
// Three integration points:
//
//  1. Direct: client.Validate(ctx, "Bash", input) — gate any tool call
//  2. Middleware: sdk.GateMiddleware(client, handler) — gate an HTTP tool server
//  3. Stream: client.Subscribe(ctx, filter, fn) — follow live project events
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:  "http://localhost:8080",
//	    AgentID:  "refactor-bot",
//	    AgentKey: os.Getenv("FORGEGATE_AGENT_KEY"),
//	})
//	if _, err := client.Handshake(ctx, nil); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Before: run("go test ./...")
//	// After:
//	v, err := client.Validate(ctx, "Bash", map[string]string{"command": "go test ./..."})
//	if err == nil && v.Result.Decision == sdk.DecisionApproved {
//	    // Approved — run the command
//	}
package sdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the hub endpoint (required)
	// Examples: "https://hub.yourcompany.com", "http://localhost:8080"
	BaseURL string

	// AgentID identifies this agent instance (required). The hub derives
	// the expected handshake key from it, so it must match the identity
	// the AgentKey was provisioned for.
	AgentID string

	// AgentKey is the agent's derived key, hex encoded, as handed out by
	// the hub operator. Required for Handshake.
	AgentKey string

	// Timeout for hub requests (default 30s)
	Timeout time.Duration

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client

	// OnBlock is called when a tool call is blocked
	OnBlock func(result *ValidationResult)

	// OnEscalate is called when a tool call needs expert or human review
	OnEscalate func(result *ValidationResult)
}

// Client talks to one ForgeGate hub on behalf of one agent. It is safe
// for concurrent use; all calls after Handshake share the session.
type Client struct {
	config     Config
	httpClient *http.Client

	mu      sync.Mutex
	session *Session
}

// NewClient creates a new hub client.
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL:  "https://hub.example.com",
//	    AgentID:  "refactor-bot",
//	    AgentKey: os.Getenv("FORGEGATE_AGENT_KEY"),
//	})
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpClient: hc}
}

// Handshake opens a session. The client draws a random challenge, signs
// it with the agent key, and sends both; the hub re-derives the key and
// verifies the signature, so the key itself never travels.
//
// Origin metadata (host, pid, repo...) is optional and lands in the
// session audit log.
func (c *Client) Handshake(ctx context.Context, origin map[string]string) (*Session, error) {
	key, err := hex.DecodeString(c.config.AgentKey)
	if err != nil {
		return nil, fmt.Errorf("forgegate-sdk: agent key is not hex: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("forgegate-sdk: agent key is required for handshake")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("forgegate-sdk: challenge generation failed: %w", err)
	}
	challenge := hex.EncodeToString(raw)

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s:%s", c.config.AgentID, challenge)

	body := map[string]interface{}{
		"agent_id":  c.config.AgentID,
		"challenge": challenge,
		"response":  hex.EncodeToString(mac.Sum(nil)),
	}
	if len(origin) > 0 {
		body["origin"] = origin
	}

	var sess Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/handshake", body, &sess); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()
	return &sess, nil
}

// SessionID returns the live session id, or "" before Handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.SessionID
}

// Logout closes the session on the hub. Calling it without a session is
// a no-op.
func (c *Client) Logout(ctx context.Context) error {
	sid := c.SessionID()
	if sid == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+sid, nil, nil)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return err
}

// Validate sends one tool call through the validation pipeline. This is
// the primary integration point — call it before invoking any tool.
//
// Example:
//
//	v, err := client.Validate(ctx, "Write", map[string]string{
//	    "file_path": "internal/api/server.go",
//	    "content":   patched,
//	})
//	switch v.Result.Decision {
//	case sdk.DecisionApproved:
//	    // Safe to execute the actual tool
//	case sdk.DecisionBlocked:
//	    log.Printf("blocked: %s", v.Result.Reason)
//	case sdk.DecisionEscalate:
//	    // Held for expert review — wait or abandon based on policy
//	}
func (c *Client) Validate(ctx context.Context, toolName string, toolInput map[string]string) (*Validation, error) {
	req := map[string]interface{}{
		"tool_name":  toolName,
		"tool_input": toolInput,
		"agent_id":   c.config.AgentID,
	}
	if sid := c.SessionID(); sid != "" {
		req["session_id"] = sid
	}

	var out Validation
	if err := c.do(ctx, http.MethodPost, "/api/v1/validate", req, &out); err != nil {
		return nil, err
	}
	if out.Result == nil {
		return nil, fmt.Errorf("forgegate-sdk: malformed validate response: missing result")
	}

	switch out.Result.Decision {
	case DecisionBlocked:
		if c.config.OnBlock != nil {
			c.config.OnBlock(out.Result)
		}
	case DecisionEscalate, DecisionUncertain:
		if c.config.OnEscalate != nil {
			c.config.OnEscalate(out.Result)
		}
	}
	return &out, nil
}

// APIError is a non-2xx hub response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forgegate-sdk: hub returned %d: %s", e.Status, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: status, Message: msg}
}

// do sends one JSON request and decodes the 2xx response into out.
// Other statuses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("forgegate-sdk: failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("forgegate-sdk: failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Agent-ID", c.config.AgentID)
	if sid := c.SessionID(); sid != "" {
		req.Header.Set("X-Session-ID", sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forgegate-sdk: hub request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("forgegate-sdk: failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("forgegate-sdk: failed to parse response: %w", err)
	}
	return nil
}
