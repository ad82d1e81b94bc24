package api

import (
	"net/http"

	"github.com/forgegate/hub/internal/core"
)

// handleValidate runs one tool call through the pipeline.
// POST /api/v1/validate
//
// The endpoint never surfaces pipeline failures as HTTP errors: once the
// request parses, a decision always comes back. Degraded paths show up
// in the result's layer, not in the status code.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolName  string            `json:"tool_name"`
		ToolInput map[string]string `json:"tool_input"`
		AgentID   string            `json:"agent_id"`
		SessionID string            `json:"session_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	vr, err := core.NewValidationRequest(req.ToolName, req.ToolInput, req.AgentID, req.SessionID)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	res, requestID := s.svc.Validate(r.Context(), vr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"result":     res,
	})
}
