package project

import (
	"context"
	"encoding/json"
	"log"
	"strconv"

	"github.com/google/uuid"

	"github.com/forgegate/hub/internal/core"
)

// ValidationPort bridges aggregate commands into the dispatcher. A Blocked
// result fails the command before any business rule runs.
type ValidationPort interface {
	Validate(ctx context.Context, req *core.ValidationRequest) *core.ValidationResult
}

// Aggregate is the single-writer command surface for one project. It owns
// the event sequence: every successful command emits exactly one event,
// applies it to the in-memory state, and stages it for persistence.
//
// Aggregate is not safe for concurrent use; the Manager serializes access.
type Aggregate struct {
	projectID   string
	version     uint64
	state       *ProjectState
	uncommitted []*Event

	rules     Rules
	validator ValidationPort
	logger    *log.Logger
}

// NewAggregate starts an empty aggregate. validator may be nil to skip the
// dispatcher bridge (replay, tests, trusted internal writers).
func NewAggregate(projectID string, rules Rules, validator ValidationPort) *Aggregate {
	return &Aggregate{
		projectID: projectID,
		state:     NewProjectState(projectID),
		rules:     rules,
		validator: validator,
		logger:    log.New(log.Writer(), "[Aggregate] ", log.LstdFlags),
	}
}

// Restore rebuilds the aggregate from persisted events, bypassing rules:
// persisted events already passed them.
func Restore(projectID string, rules Rules, validator ValidationPort, events []*Event) *Aggregate {
	a := NewAggregate(projectID, rules, validator)
	for _, e := range events {
		if err := a.state.Apply(e); err != nil {
			a.logger.Printf("Restore %s: skipping event seq=%d: %v", projectID, e.Sequence, err)
			continue
		}
		a.version = e.Sequence
	}
	return a
}

// ProjectID returns the aggregate id.
func (a *Aggregate) ProjectID() string { return a.projectID }

// Version is the highest applied sequence number.
func (a *Aggregate) Version() uint64 { return a.version }

// State returns the live state. Callers outside the single-writer path must
// use StateSnapshot.
func (a *Aggregate) State() *ProjectState { return a.state }

// StateSnapshot returns a deep copy safe for concurrent readers.
func (a *Aggregate) StateSnapshot() *ProjectState { return a.state.Clone() }

// UncommittedEvents returns events staged since the last MarkCommitted.
func (a *Aggregate) UncommittedEvents() []*Event {
	return append([]*Event(nil), a.uncommitted...)
}

// MarkCommitted clears the staging list after successful persistence.
func (a *Aggregate) MarkCommitted() { a.uncommitted = a.uncommitted[:0] }

// checkVersion enforces optimistic concurrency. expected < 0 skips the check.
func (a *Aggregate) checkVersion(expected int64) error {
	if expected >= 0 && uint64(expected) != a.version {
		return &core.ConcurrencyConflict{Expected: expected, Actual: int64(a.version)}
	}
	return nil
}

// bridge consults the dispatcher when one is wired. Blocked decisions abort
// the command; everything else (including Escalate) proceeds, since the
// human outcome arrives as its own decision event.
func (a *Aggregate) bridge(ctx context.Context, tool string, input map[string]string, agent, session string) error {
	if a.validator == nil {
		return nil
	}
	req, err := core.NewValidationRequest(tool, input, agent, session)
	if err != nil {
		return core.NewBusinessRuleViolation("invalid_request", map[string]any{"error": err.Error()})
	}
	res := a.validator.Validate(ctx, req)
	if res.Decision == core.DecisionBlocked {
		return core.NewBusinessRuleViolation("validation-bridge-blocked", map[string]any{
			"reason": res.Reason, "layer": res.Layer,
		})
	}
	return nil
}

// emit builds the next event, folds it into state, and stages it.
func (a *Aggregate) emit(t EventType, agent, session string, data map[string]string) *Event {
	e := NewEvent(t, a.projectID, a.version+1, agent, session, data)
	if err := a.state.Apply(e); err != nil {
		// Cannot happen for a freshly minted sequence; log and continue.
		a.logger.Printf("emit %s seq=%d: %v", t, e.Sequence, err)
	}
	a.version = e.Sequence
	a.uncommitted = append(a.uncommitted, e)
	return e
}

// ModifyFile creates or rewrites a file. Emits FileCreated for a path with
// no live file, FileModified otherwise.
func (a *Aggregate) ModifyFile(ctx context.Context, path, content, agent, session string, expected int64) (*Event, error) {
	if err := a.checkVersion(expected); err != nil {
		return nil, err
	}
	if err := a.bridge(ctx, "Write", map[string]string{"file_path": path, "content": content}, agent, session); err != nil {
		return nil, err
	}
	if err := a.rules.CheckWrite(path, content); err != nil {
		return nil, err
	}
	if a.state.StateOf(path) == PathLiveDir {
		return nil, core.NewBusinessRuleViolation("path_conflict", map[string]any{
			"path": path, "detail": "path is a live directory",
		})
	}

	data := map[string]string{
		KeyPath:        path,
		KeyContent:     content,
		KeyContentHash: ContentHash(content),
		KeySize:        strconv.Itoa(len(content)),
		KeyEncoding:    "utf-8",
	}
	eventType := EventFileCreated
	if prev, ok := a.state.FileAt(path); ok {
		eventType = EventFileModified
		data[KeyPreviousHash] = prev.Hash
	}
	return a.emit(eventType, agent, session, data), nil
}

// DeleteFile tombstones a live file.
func (a *Aggregate) DeleteFile(ctx context.Context, path, agent, session string, expected int64) (*Event, error) {
	if err := a.checkVersion(expected); err != nil {
		return nil, err
	}
	if err := a.bridge(ctx, "Bash", map[string]string{"command": "rm " + path}, agent, session); err != nil {
		return nil, err
	}
	if err := a.rules.CheckDelete(path); err != nil {
		return nil, err
	}
	prev, ok := a.state.FileAt(path)
	if !ok {
		return nil, core.NewBusinessRuleViolation("file_not_found", map[string]any{"path": path})
	}

	return a.emit(EventFileDeleted, agent, session, map[string]string{
		KeyPath:         path,
		KeyPreviousHash: prev.Hash,
	}), nil
}

// MoveFile relocates a live file. The source must exist, the destination
// must not hold anything live.
func (a *Aggregate) MoveFile(ctx context.Context, oldPath, newPath, agent, session string, expected int64) (*Event, error) {
	if err := a.checkVersion(expected); err != nil {
		return nil, err
	}
	if err := a.bridge(ctx, "Bash", map[string]string{"command": "mv " + oldPath + " " + newPath}, agent, session); err != nil {
		return nil, err
	}
	if err := a.rules.CheckMove(oldPath, newPath); err != nil {
		return nil, err
	}
	src, ok := a.state.FileAt(oldPath)
	if !ok {
		return nil, core.NewBusinessRuleViolation("file_not_found", map[string]any{"path": oldPath})
	}
	switch a.state.StateOf(newPath) {
	case PathLiveFile, PathLiveDir:
		return nil, core.NewBusinessRuleViolation("destination_exists", map[string]any{"path": newPath})
	}

	return a.emit(EventFileMoved, agent, session, map[string]string{
		KeyOldPath:     oldPath,
		KeyNewPath:     newPath,
		KeyContentHash: src.Hash,
	}), nil
}

// CreateDirectory registers an explicit directory.
func (a *Aggregate) CreateDirectory(ctx context.Context, path, agent, session string, expected int64) (*Event, error) {
	if err := a.checkVersion(expected); err != nil {
		return nil, err
	}
	if err := a.bridge(ctx, "Bash", map[string]string{"command": "mkdir " + path}, agent, session); err != nil {
		return nil, err
	}
	if err := a.rules.CheckDirectory(path); err != nil {
		return nil, err
	}
	switch a.state.StateOf(path) {
	case PathLiveDir:
		return nil, core.NewBusinessRuleViolation("directory_exists", map[string]any{"path": path})
	case PathLiveFile:
		return nil, core.NewBusinessRuleViolation("path_conflict", map[string]any{
			"path": path, "detail": "path is a live file",
		})
	}

	return a.emit(EventDirectoryCreated, agent, session, map[string]string{KeyPath: path}), nil
}

// RecordValidationRequest logs a validation request into the event stream.
// No concurrency check: observation events append unconditionally.
func (a *Aggregate) RecordValidationRequest(requestID, tool string, input map[string]string, agent, session string) (*Event, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, core.NewBusinessRuleViolation("invalid_request", map[string]any{"error": err.Error()})
	}
	return a.emit(EventValidationAsked, agent, session, map[string]string{
		KeyRequestID:   requestID,
		KeyToolName:    tool,
		KeyToolInput:   string(encoded),
		KeyCommandHash: core.Fingerprint(tool, input),
	}), nil
}

// RecordValidationDecision logs the decision for a prior request.
func (a *Aggregate) RecordValidationDecision(requestID, decision, reason, validatorID, session string) (*Event, error) {
	if requestID == "" {
		return nil, core.NewBusinessRuleViolation("invalid_request", map[string]any{"error": "request id required"})
	}
	return a.emit(EventValidationMade, validatorID, session, map[string]string{
		KeyRequestID:   requestID,
		KeyDecision:    decision,
		KeyReason:      reason,
		KeyValidatorID: validatorID,
	}), nil
}

// StartSession opens an agent session and returns its id with the event.
func (a *Aggregate) StartSession(agent, agentType string, metadata map[string]string) (string, *Event, error) {
	sessionID := uuid.NewString()
	data := map[string]string{
		KeySessionID: sessionID,
		KeyAgentType: agentType,
	}
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return "", nil, core.NewBusinessRuleViolation("invalid_request", map[string]any{"error": err.Error()})
		}
		data[KeyMetadata] = string(encoded)
	}
	e := a.emit(EventSessionStarted, agent, sessionID, data)
	return sessionID, e, nil
}

// EndSession closes an active session.
func (a *Aggregate) EndSession(sessionID, agent, summary string) (*Event, error) {
	sess, ok := a.state.Sessions[sessionID]
	if !ok {
		return nil, core.NewBusinessRuleViolation("session_not_found", map[string]any{"session_id": sessionID})
	}
	if !sess.Active {
		return nil, core.NewBusinessRuleViolation("session_already_ended", map[string]any{"session_id": sessionID})
	}
	return a.emit(EventSessionEnded, agent, sessionID, map[string]string{
		KeySessionID: sessionID,
		KeySummary:   summary,
	}), nil
}
