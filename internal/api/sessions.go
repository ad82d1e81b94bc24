package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/forgegate/hub/internal/middleware"
	"github.com/forgegate/hub/internal/session"
)

// handleHandshake opens a session for an agent that proves possession of
// its derived key. POST /api/v1/sessions/handshake
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string            `json:"agent_id"`
		Challenge string            `json:"challenge"`
		Response  string            `json:"response"`
		Origin    map[string]string `json:"origin,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	sess, err := s.session.Handshake(req.AgentID, req.Challenge, req.Response, req.Origin)
	if err != nil {
		s.writeError(w, err)
		return
	}

	perms := make([]string, 0, len(sess.Permissions))
	for p, ok := range sess.Permissions {
		if ok {
			perms = append(perms, string(p))
		}
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":  sess.ID,
		"agent_id":    sess.AgentID,
		"permissions": perms,
		"created_at":  sess.CreatedAt,
	})
}

// handleLogout closes the session. DELETE /api/v1/sessions/{id}
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.session.Logout(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireSession resolves and refreshes the caller's session, preferring
// an explicit id over the X-Session-ID header, and checks the
// permission. A zero perm only checks liveness.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request, explicit string, perm session.Permission) (*session.Session, bool) {
	id := explicit
	if id == "" {
		id = middleware.SessionID(r.Context())
	}
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	sess, err := s.session.Get(id)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	if perm != "" && !sess.Has(perm) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "session lacks " + string(perm)})
		return nil, false
	}
	return sess, true
}
