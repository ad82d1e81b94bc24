package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
)

// handleListEscalations returns requests waiting on an expert, oldest
// first, hints included. GET /api/v1/escalations (operator key required)
func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	pending := s.svc.PendingEscalations()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": pending,
		"total":       len(pending),
	})
}

// handleDecideEscalation delivers an expert verdict to the waiting
// request. POST /api/v1/escalations/{id}/decision (operator key required)
func (s *Server) handleDecideEscalation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Decision    string `json:"decision"`
		Reason      string `json:"reason,omitempty"`
		ValidatorID string `json:"validator_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	decision := core.Decision(strings.ToUpper(req.Decision))
	switch decision {
	case core.DecisionApproved, core.DecisionBlocked, core.DecisionEscalate:
	default:
		badRequest(w, "decision must be APPROVED, BLOCKED or ESCALATE")
		return
	}

	// The verified operator key identifies the validator unless the body
	// names a finer-grained id.
	validatorID := req.ValidatorID
	if validatorID == "" {
		validatorID = OperatorID(r)
	}

	if err := s.svc.ResolveEscalation(id, decision, req.Reason, validatorID); err != nil {
		if errors.Is(err, dispatcher.ErrUnknownEscalation) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown escalation " + id})
			return
		}
		badRequest(w, err.Error())
		return
	}

	s.logger.Printf("escalation %s resolved %s by %s", id, decision, validatorID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "resolved",
		"escalation_id": id,
		"decision":      decision,
		"validator_id":  validatorID,
	})
}
