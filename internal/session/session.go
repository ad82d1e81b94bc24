// Package session authenticates agents and authorizes their operations on
// the hub. Handshakes are HMAC-challenge based with per-agent keys derived
// from a single master secret; sessions are time-bounded handles carrying a
// permission set. The Authorizer enforces the per-section permission matrix,
// per-agent operation rates, and records every decision to the audit ring.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/metrics"
)

// Permission is a capability a session may hold.
type Permission string

const (
	PermFSRead       Permission = "fs-read"
	PermFSWrite      Permission = "fs-write"
	PermContextRead  Permission = "context-read"
	PermStreamAccess Permission = "stream-access"
	PermASTAccess    Permission = "ast-access"
	PermDebugAccess  Permission = "debug-access"
)

// DefaultPermissions is the set granted on every successful handshake.
// ast-access and debug-access are grant-only.
func DefaultPermissions() map[Permission]bool {
	return map[Permission]bool{
		PermFSRead:       true,
		PermFSWrite:      true,
		PermContextRead:  true,
		PermStreamAccess: true,
	}
}

// Session is an authenticated, time-bounded handle for one agent.
type Session struct {
	ID          string              `json:"id"`
	AgentID     string              `json:"agent_id"`
	CreatedAt   time.Time           `json:"created_at"`
	LastAccess  time.Time           `json:"last_access"`
	Permissions map[Permission]bool `json:"permissions"`
	Origin      map[string]string   `json:"origin,omitempty"`
}

// Has reports whether the session holds the permission.
func (s *Session) Has(p Permission) bool {
	return s.Permissions[p]
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Permissions = make(map[Permission]bool, len(s.Permissions))
	for k, v := range s.Permissions {
		cp.Permissions[k] = v
	}
	cp.Origin = make(map[string]string, len(s.Origin))
	for k, v := range s.Origin {
		cp.Origin[k] = v
	}
	return &cp
}

const (
	defaultIdleTimeout = 2 * time.Hour
	defaultMaxPerAgent = 5
)

// RegistryOptions tune session lifecycle limits. Zero values take the
// defaults from the configuration table.
type RegistryOptions struct {
	IdleTimeout time.Duration
	MaxPerAgent int
}

// Registry owns the live session table. One writer mutex guards the maps;
// expiry is lazy on access plus an explicit Sweep for janitors.
type Registry struct {
	mu          sync.Mutex
	master      []byte
	sessions    map[string]*Session
	byAgent     map[string][]string // session ids, oldest first
	idleTimeout time.Duration
	maxPerAgent int
	audit       *AuditLog
	metrics     *metrics.Metrics
}

// NewRegistry builds a registry around the master secret. audit and m may be
// nil.
func NewRegistry(master []byte, audit *AuditLog, m *metrics.Metrics, opts RegistryOptions) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.MaxPerAgent <= 0 {
		opts.MaxPerAgent = defaultMaxPerAgent
	}
	return &Registry{
		master:      master,
		sessions:    make(map[string]*Session),
		byAgent:     make(map[string][]string),
		idleTimeout: opts.IdleTimeout,
		maxPerAgent: opts.MaxPerAgent,
		audit:       audit,
		metrics:     m,
	}
}

// DeriveAgentKey expands the master secret into a 32-byte per-agent key.
// Both sides of the handshake derive the same key from the same master.
func DeriveAgentKey(master []byte, agentID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte("forgegate/agent/"+agentID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive agent key: %w", err)
	}
	return key, nil
}

// SignChallenge computes the expected handshake response:
// hex(hmac_sha256(key, "agent-id:challenge")).
func SignChallenge(key []byte, agentID, challenge string) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s:%s", agentID, challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

// Handshake verifies the challenge response and opens a session. When the
// agent already holds the maximum number of sessions the oldest is evicted.
func (r *Registry) Handshake(agentID, challenge, response string, origin map[string]string) (*Session, error) {
	if agentID == "" || challenge == "" {
		return nil, &core.AuthError{Reason: "agent id and challenge required"}
	}
	key, err := DeriveAgentKey(r.master, agentID)
	if err != nil {
		return nil, err
	}
	want := SignChallenge(key, agentID, challenge)
	if !hmac.Equal([]byte(want), []byte(response)) {
		slog.Warn("handshake rejected", "agent_id", agentID)
		r.record(agentID, "", "handshake", "", "auth-failed", "challenge response mismatch")
		return nil, &core.AuthError{Reason: "challenge response mismatch"}
	}

	now := time.Now()
	r.mu.Lock()
	r.expireAgentLocked(agentID, now)
	var evicted []string
	for len(r.byAgent[agentID]) >= r.maxPerAgent {
		oldest := r.byAgent[agentID][0]
		r.removeLocked(oldest, "capacity")
		evicted = append(evicted, oldest)
	}
	s := &Session{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		CreatedAt:   now,
		LastAccess:  now,
		Permissions: DefaultPermissions(),
		Origin:      copyOrigin(origin),
	}
	r.sessions[s.ID] = s
	r.byAgent[agentID] = append(r.byAgent[agentID], s.ID)
	active := len(r.sessions)
	cp := s.clone()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetActiveSessions(active)
	}
	for _, id := range evicted {
		slog.Info("session evicted", "agent_id", agentID, "session_id", id)
		r.record(agentID, id, "session_evict", "", "evicted", "per-agent cap")
	}
	slog.Info("session opened", "agent_id", agentID, "session_id", cp.ID)
	r.record(agentID, cp.ID, "handshake", "", "ok", "")
	return cp, nil
}

// Get returns a copy of the session and refreshes its last-access time.
// Unknown or idle-expired sessions fail with AuthError.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, &core.AuthError{Reason: "unknown session"}
	}
	now := time.Now()
	if now.Sub(s.LastAccess) > r.idleTimeout {
		agent := s.AgentID
		r.removeLocked(sessionID, "idle")
		r.mu.Unlock()
		r.record(agent, sessionID, "session_expire", "", "expired", "")
		return nil, &core.AuthError{Reason: "session expired"}
	}
	s.LastAccess = now
	cp := s.clone()
	r.mu.Unlock()
	return cp, nil
}

// Grant expands the session's permission set. Granting never removes a
// permission; contraction happens only through logout or expiry.
func (r *Registry) Grant(sessionID string, perms ...Permission) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, &core.AuthError{Reason: "unknown session"}
	}
	for _, p := range perms {
		s.Permissions[p] = true
	}
	cp := s.clone()
	r.mu.Unlock()
	r.record(cp.AgentID, sessionID, "grant", "", "ok", fmt.Sprintf("%v", perms))
	return cp, nil
}

// Logout removes the session. Returns false when the id was not live.
func (r *Registry) Logout(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	var agent string
	if ok {
		agent = s.AgentID
		r.removeLocked(sessionID, "revoked")
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if ok {
		if r.metrics != nil {
			r.metrics.SetActiveSessions(active)
		}
		slog.Info("session closed", "agent_id", agent, "session_id", sessionID)
		r.record(agent, sessionID, "session_end", "", "ok", "")
	}
	return ok
}

// Sweep removes every idle-expired session and returns how many were
// dropped. Intended for a periodic janitor; Get expires lazily anyway.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if now.Sub(s.LastAccess) > r.idleTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeLocked(id, "idle")
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if len(expired) > 0 {
		if r.metrics != nil {
			r.metrics.SetActiveSessions(active)
		}
		slog.Info("session sweep", "expired", len(expired))
	}
	return len(expired)
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveForAgent returns the agent's live session count.
func (r *Registry) ActiveForAgent(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAgent[agentID])
}

// Stats reports registry counters for the debug surface.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"active_sessions":  len(r.sessions),
		"tracked_agents":   len(r.byAgent),
		"idle_timeout_sec": r.idleTimeout.Seconds(),
		"max_per_agent":    r.maxPerAgent,
	}
}

// removeLocked drops the session from both maps. Caller holds r.mu.
func (r *Registry) removeLocked(sessionID, reason string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	ids := r.byAgent[s.AgentID]
	for i, id := range ids {
		if id == sessionID {
			r.byAgent[s.AgentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byAgent[s.AgentID]) == 0 {
		delete(r.byAgent, s.AgentID)
	}
	if r.metrics != nil {
		r.metrics.RecordSessionEviction(reason)
	}
}

// expireAgentLocked lazily drops the agent's idle sessions so a handshake
// never evicts a live session to make room for a dead one. Caller holds r.mu.
func (r *Registry) expireAgentLocked(agentID string, now time.Time) {
	ids := r.byAgent[agentID]
	for i := 0; i < len(ids); {
		s := r.sessions[ids[i]]
		if s != nil && now.Sub(s.LastAccess) > r.idleTimeout {
			r.removeLocked(ids[i], "idle")
			ids = r.byAgent[agentID]
			continue
		}
		i++
	}
}

func (r *Registry) record(agent, sessionID, op, path, outcome, detail string) {
	if r.audit == nil {
		return
	}
	r.audit.Record(AuditEntry{
		AgentID:   agent,
		SessionID: sessionID,
		Op:        op,
		Path:      path,
		Outcome:   outcome,
		Detail:    detail,
	})
}

func copyOrigin(origin map[string]string) map[string]string {
	cp := make(map[string]string, len(origin))
	for k, v := range origin {
		cp[k] = v
	}
	return cp
}
