// Package project implements the event-sourced project aggregate: typed
// events, derived state, business rules, and the per-project command surface.
// Events are immutable once appended; state is always derivable by replaying
// them in sequence order from empty.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates every event the aggregate can emit.
type EventType string

const (
	EventFileCreated      EventType = "FileCreated"
	EventFileModified     EventType = "FileModified"
	EventFileDeleted      EventType = "FileDeleted"
	EventFileMoved        EventType = "FileMoved"
	EventFileCopied       EventType = "FileCopied"
	EventDirectoryCreated EventType = "DirectoryCreated"
	EventDirectoryDeleted EventType = "DirectoryDeleted"
	EventDirectoryMoved   EventType = "DirectoryMoved"
	EventSessionStarted   EventType = "AgentSessionStarted"
	EventSessionEnded     EventType = "AgentSessionEnded"
	EventValidationAsked  EventType = "ValidationRequestSubmitted"
	EventValidationMade   EventType = "ValidationDecisionMade"
)

// Canonical payload keys. Every event data map uses these names.
const (
	KeyPath         = "path"
	KeyContent      = "content"
	KeyContentHash  = "content_hash"
	KeyPreviousHash = "previous_hash"
	KeySize         = "size"
	KeyEncoding     = "encoding"
	KeyOldPath      = "old_path"
	KeyNewPath      = "new_path"
	KeyRequestID    = "request_id"
	KeyToolName     = "tool_name"
	KeyToolInput    = "tool_input"
	KeyCommandHash  = "command_hash"
	KeyDecision     = "decision"
	KeyReason       = "reason"
	KeyValidatorID  = "validator_id"
	KeySessionID    = "session_id"
	KeyAgentType    = "agent_type"
	KeyMetadata     = "metadata"
	KeySummary      = "summary"
)

// Metadata keys present on every event.
const (
	MetaSessionID   = "session_id"
	MetaAgentID     = "agent_id"
	MetaContentHash = "content_hash"
	MetaOperation   = "operation"
)

// Event is the immutable envelope appended to the log. Sequence is 1-based
// and strictly increasing per aggregate. Data values are strings so the
// canonical hash is stable across encoders.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	AggregateID string            `json:"aggregate_id"`
	Sequence    uint64            `json:"sequence"`
	Timestamp   time.Time         `json:"timestamp"`
	AgentID     string            `json:"agent_id"`
	Data        map[string]string `json:"data"`
	Metadata    map[string]string `json:"metadata"`
}

// NewEvent stamps the envelope and the canonical metadata. The content hash
// in metadata covers the whole data map, key-sorted, so any mutation of a
// stored event is detectable.
func NewEvent(t EventType, aggregateID string, sequence uint64, agentID, sessionID string, data map[string]string) *Event {
	if data == nil {
		data = map[string]string{}
	}
	meta := map[string]string{
		MetaAgentID:     agentID,
		MetaContentHash: CanonicalHash(data),
		MetaOperation:   operationTag(t),
	}
	if sessionID != "" {
		meta[MetaSessionID] = sessionID
	}
	return &Event{
		ID:          uuid.NewString(),
		Type:        t,
		AggregateID: aggregateID,
		Sequence:    sequence,
		Timestamp:   time.Now(),
		AgentID:     agentID,
		Data:        data,
		Metadata:    meta,
	}
}

func operationTag(t EventType) string {
	switch t {
	case EventFileCreated:
		return "create"
	case EventFileModified:
		return "modify"
	case EventFileDeleted:
		return "delete"
	case EventFileMoved:
		return "move"
	case EventFileCopied:
		return "copy"
	case EventDirectoryCreated:
		return "mkdir"
	case EventDirectoryDeleted:
		return "rmdir"
	case EventDirectoryMoved:
		return "movedir"
	case EventSessionStarted:
		return "session_start"
	case EventSessionEnded:
		return "session_end"
	case EventValidationAsked:
		return "validation_request"
	case EventValidationMade:
		return "validation_decision"
	}
	return "unknown"
}

// IsFileEvent reports whether the event mutates file or directory state.
func (e *Event) IsFileEvent() bool {
	switch e.Type {
	case EventFileCreated, EventFileModified, EventFileDeleted, EventFileMoved,
		EventFileCopied, EventDirectoryCreated, EventDirectoryDeleted, EventDirectoryMoved:
		return true
	}
	return false
}

// Path returns the primary path a file event touches (new path for moves).
func (e *Event) Path() string {
	if p, ok := e.Data[KeyPath]; ok && p != "" {
		return p
	}
	return e.Data[KeyNewPath]
}

// TouchedPaths returns every path the event addresses.
func (e *Event) TouchedPaths() []string {
	switch e.Type {
	case EventFileMoved, EventFileCopied, EventDirectoryMoved:
		return []string{e.Data[KeyOldPath], e.Data[KeyNewPath]}
	}
	if p := e.Path(); p != "" {
		return []string{p}
	}
	return nil
}

// SessionID returns the session recorded in metadata, if any.
func (e *Event) SessionID() string {
	return e.Metadata[MetaSessionID]
}

// VerifyIntegrity recomputes the canonical data hash and compares it to the
// one stamped at creation.
func (e *Event) VerifyIntegrity() bool {
	return e.Metadata[MetaContentHash] == CanonicalHash(e.Data)
}

// Size reads the size payload field, zero when absent or malformed.
func (e *Event) Size() int64 {
	n, _ := strconv.ParseInt(e.Data[KeySize], 10, 64)
	return n
}

// CanonicalHash hashes a data map deterministically: keys sorted, key and
// value separated by NUL so no concatenation of distinct maps collides.
func CanonicalHash(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(data[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash is the SHA-256 hex digest of file content, the hash stored on
// every FileVersion and in previous_hash chains.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
