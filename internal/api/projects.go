package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/session"
)

// fileCommand is the shared body of the aggregate file endpoints.
// ExpectedVersion implements optimistic concurrency: a stale number
// makes the command fail with 409.
type fileCommand struct {
	Path            string `json:"path"`
	Content         string `json:"content,omitempty"`
	OldPath         string `json:"old_path,omitempty"`
	NewPath         string `json:"new_path,omitempty"`
	AgentID         string `json:"agent_id"`
	SessionID       string `json:"session_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (s *Server) decodeFileCommand(w http.ResponseWriter, r *http.Request) (*fileCommand, bool) {
	var cmd fileCommand
	if err := decodeBody(r, &cmd); err != nil {
		badRequest(w, err.Error())
		return nil, false
	}
	if _, ok := s.requireSession(w, r, cmd.SessionID, session.PermFSWrite); !ok {
		return nil, false
	}
	return &cmd, true
}

// handleWriteFile creates or modifies a file.
// POST /api/v1/projects/{id}/files
func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	cmd, ok := s.decodeFileCommand(w, r)
	if !ok {
		return
	}
	if cmd.Path == "" {
		badRequest(w, "path is required")
		return
	}
	ev, err := s.svc.Manager().ModifyFile(r.Context(), projectID, cmd.Path, cmd.Content, cmd.AgentID, cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(ev))
}

// handleDeleteFile tombstones a file.
// DELETE /api/v1/projects/{id}/files
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	cmd, ok := s.decodeFileCommand(w, r)
	if !ok {
		return
	}
	if cmd.Path == "" {
		badRequest(w, "path is required")
		return
	}
	ev, err := s.svc.Manager().DeleteFile(r.Context(), projectID, cmd.Path, cmd.AgentID, cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(ev))
}

// handleMoveFile renames a file keeping its history connected.
// POST /api/v1/projects/{id}/files/move
func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	cmd, ok := s.decodeFileCommand(w, r)
	if !ok {
		return
	}
	if cmd.OldPath == "" || cmd.NewPath == "" {
		badRequest(w, "old_path and new_path are required")
		return
	}
	ev, err := s.svc.Manager().MoveFile(r.Context(), projectID, cmd.OldPath, cmd.NewPath, cmd.AgentID, cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(ev))
}

// handleCreateDir creates an explicit directory.
// POST /api/v1/projects/{id}/dirs
func (s *Server) handleCreateDir(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["id"]
	cmd, ok := s.decodeFileCommand(w, r)
	if !ok {
		return
	}
	if cmd.Path == "" {
		badRequest(w, "path is required")
		return
	}
	ev, err := s.svc.Manager().CreateDirectory(r.Context(), projectID, cmd.Path, cmd.AgentID, cmd.SessionID, cmd.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(ev))
}

func commandResponse(ev *project.Event) map[string]interface{} {
	return map[string]interface{}{
		"event_id":  ev.ID,
		"type":      ev.Type,
		"sequence":  ev.Sequence,
		"timestamp": ev.Timestamp,
	}
}

// handleState returns the live projection.
// GET /api/v1/projects/{id}/state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r, "", session.PermContextRead); !ok {
		return
	}
	projectID := mux.Vars(r)["id"]
	state, err := s.svc.Manager().Snapshot(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleEvents scans the project's event log with optional filters.
// GET /api/v1/projects/{id}/events?since=&until=&type=&agent=&limit=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r, "", session.PermContextRead); !ok {
		return
	}
	projectID := mux.Vars(r)["id"]
	q := r.URL.Query()

	f := eventstore.Filter{
		AggregateID: projectID,
		EventType:   project.EventType(q.Get("type")),
		AgentID:     q.Get("agent"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "since must be RFC3339")
			return
		}
		f.From = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "until must be RFC3339")
			return
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	events, err := s.events.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// handleHistory rebuilds the project state at an instant.
// GET /api/v1/projects/{id}/history?at=RFC3339
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r, "", session.PermContextRead); !ok {
		return
	}
	if s.recon == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "time travel surface unavailable"})
		return
	}
	projectID := mux.Vars(r)["id"]
	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("at"))
	if err != nil {
		badRequest(w, "at must be RFC3339")
		return
	}
	state, err := s.recon.Rebuild(r.Context(), projectID, at)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleDiff diffs one file between two instants.
// GET /api/v1/projects/{id}/diff?path=&from=&to=
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireSession(w, r, "", session.PermContextRead); !ok {
		return
	}
	if s.recon == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "time travel surface unavailable"})
		return
	}
	projectID := mux.Vars(r)["id"]
	q := r.URL.Query()

	path := q.Get("path")
	if path == "" {
		badRequest(w, "path is required")
		return
	}
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		badRequest(w, "from must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		badRequest(w, "to must be RFC3339")
		return
	}

	diff, err := s.recon.GenerateDiff(r.Context(), projectID, path, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}
