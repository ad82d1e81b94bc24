package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/forgegate/hub/internal/middleware"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/session"
	"github.com/forgegate/hub/internal/stream"
)

// handleDebug serves the virtual filesystem's debug files over HTTP so
// operators without a FUSE mount can still read them. Authorization is
// the filesystem's own: it checks the session for debug access.
// GET /api/v1/debug/{file}?session_id=
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if s.fs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "filesystem surface unavailable"})
		return
	}
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		sid = middleware.SessionID(r.Context())
	}
	name := mux.Vars(r)["file"]

	data, err := s.fs.Read(r.Context(), sid, "/debug/"+name, 0, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if strings.HasSuffix(name, ".json") {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleWS upgrades to a websocket subscription on the event hub.
// Filters come from query parameters so clients can subscribe without
// a first message exchange.
// GET /api/v1/streams/ws?session_id=&aggregate_id=&agent=&path=&types=a,b
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r, "", session.PermStreamAccess)
	if !ok {
		return
	}
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stream surface unavailable"})
		return
	}

	q := r.URL.Query()
	f := stream.Filter{
		AggregateID: q.Get("aggregate_id"),
		AgentID:     q.Get("agent"),
		Path:        q.Get("path"),
	}
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.EventTypes = append(f.EventTypes, project.EventType(t))
			}
		}
	}

	// ServeWS owns the connection from here; it returns when the
	// client disconnects or the hub shuts down.
	if err := stream.ServeWS(s.hub, w, r, sess.AgentID, f, stream.WSOptions{AllowedOrigins: s.cfg.AllowedOrigins}); err != nil {
		s.logger.Printf("websocket session for agent %s ended with error: %v", sess.AgentID, err)
	}
}
