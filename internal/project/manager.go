package project

import (
	"context"
	"log"
	"sort"
	"sync"
)

// EventStore is the slice of persistence the manager needs: atomic append
// and full reload. internal/eventstore implements it (and more).
type EventStore interface {
	Append(ctx context.Context, events ...*Event) error
	Load(ctx context.Context, aggregateID string) ([]*Event, error)
}

type managedAggregate struct {
	mu  sync.Mutex
	agg *Aggregate
}

// Manager owns one aggregate per project and guarantees the single-writer
// rule: commands on the same project run strictly one at a time, and an
// event is published only after it is durably appended.
type Manager struct {
	mu         sync.RWMutex
	aggregates map[string]*managedAggregate

	store     EventStore
	rules     Rules
	validator ValidationPort
	publish   func(*Event)
	logger    *log.Logger
}

// NewManager wires the command side. store may be nil for a purely
// in-memory aggregate; validator may be nil to skip the dispatcher bridge.
func NewManager(store EventStore, rules Rules, validator ValidationPort) *Manager {
	return &Manager{
		aggregates: make(map[string]*managedAggregate),
		store:      store,
		rules:      rules,
		validator:  validator,
		logger:     log.New(log.Writer(), "[Projects] ", log.LstdFlags),
	}
}

// SetPublisher registers the post-commit event observer (the stream hub).
func (m *Manager) SetPublisher(fn func(*Event)) {
	m.mu.Lock()
	m.publish = fn
	m.mu.Unlock()
}

// get loads or creates the project's aggregate with double-checked locking.
func (m *Manager) get(ctx context.Context, projectID string) (*managedAggregate, error) {
	m.mu.RLock()
	ma, ok := m.aggregates[projectID]
	m.mu.RUnlock()
	if ok {
		return ma, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ma, ok := m.aggregates[projectID]; ok {
		return ma, nil
	}

	var events []*Event
	if m.store != nil {
		var err error
		events, err = m.store.Load(ctx, projectID)
		if err != nil {
			return nil, err
		}
	}
	agg := Restore(projectID, m.rules, m.validator, events)
	if len(events) > 0 {
		m.logger.Printf("Restored project %s at version %d", projectID, agg.Version())
	}
	ma = &managedAggregate{agg: agg}
	m.aggregates[projectID] = ma
	return ma, nil
}

// Execute runs one command under the project's writer lock, persists the
// emitted events, then publishes them. On a failed append the in-memory
// aggregate is discarded so the next command reloads from the store.
func (m *Manager) Execute(ctx context.Context, projectID string, cmd func(a *Aggregate) (*Event, error)) (*Event, error) {
	ma, err := m.get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()

	e, err := cmd(ma.agg)
	if err != nil {
		return nil, err
	}

	pending := ma.agg.UncommittedEvents()
	if m.store != nil && len(pending) > 0 {
		if err := m.store.Append(ctx, pending...); err != nil {
			m.logger.Printf("Append failed for project %s: %v; discarding in-memory aggregate", projectID, err)
			m.mu.Lock()
			delete(m.aggregates, projectID)
			m.mu.Unlock()
			return nil, err
		}
	}
	ma.agg.MarkCommitted()

	m.mu.RLock()
	publish := m.publish
	m.mu.RUnlock()
	if publish != nil {
		for _, pe := range pending {
			publish(pe)
		}
	}
	return e, nil
}

// ModifyFile runs the file write command on the project.
func (m *Manager) ModifyFile(ctx context.Context, projectID, path, content, agent, session string, expected int64) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.ModifyFile(ctx, path, content, agent, session, expected)
	})
}

// DeleteFile runs the file deletion command on the project.
func (m *Manager) DeleteFile(ctx context.Context, projectID, path, agent, session string, expected int64) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.DeleteFile(ctx, path, agent, session, expected)
	})
}

// MoveFile runs the move command on the project.
func (m *Manager) MoveFile(ctx context.Context, projectID, oldPath, newPath, agent, session string, expected int64) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.MoveFile(ctx, oldPath, newPath, agent, session, expected)
	})
}

// CreateDirectory runs the directory creation command on the project.
func (m *Manager) CreateDirectory(ctx context.Context, projectID, path, agent, session string, expected int64) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.CreateDirectory(ctx, path, agent, session, expected)
	})
}

// RecordValidationRequest appends a validation-request observation event.
func (m *Manager) RecordValidationRequest(ctx context.Context, projectID, requestID, tool string, input map[string]string, agent, session string) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.RecordValidationRequest(requestID, tool, input, agent, session)
	})
}

// RecordValidationDecision appends a validation-decision observation event.
func (m *Manager) RecordValidationDecision(ctx context.Context, projectID, requestID, decision, reason, validatorID, session string) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.RecordValidationDecision(requestID, decision, reason, validatorID, session)
	})
}

// StartSession opens a session on the project and returns its id.
func (m *Manager) StartSession(ctx context.Context, projectID, agent, agentType string, metadata map[string]string) (string, *Event, error) {
	var sessionID string
	e, err := m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		sid, e, err := a.StartSession(agent, agentType, metadata)
		sessionID = sid
		return e, err
	})
	return sessionID, e, err
}

// EndSession closes a session on the project.
func (m *Manager) EndSession(ctx context.Context, projectID, sessionID, agent, summary string) (*Event, error) {
	return m.Execute(ctx, projectID, func(a *Aggregate) (*Event, error) {
		return a.EndSession(sessionID, agent, summary)
	})
}

// FileAt returns the live version of one file without cloning the whole
// state. FileVersion values are immutable, so sharing the pointer is safe.
func (m *Manager) FileAt(ctx context.Context, projectID, path string) (*FileVersion, bool, error) {
	ma, err := m.get(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	fv, ok := ma.agg.State().FileAt(path)
	return fv, ok, nil
}

// Snapshot returns a deep copy of the project's current state.
func (m *Manager) Snapshot(ctx context.Context, projectID string) (*ProjectState, error) {
	ma, err := m.get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.agg.StateSnapshot(), nil
}

// Version reports the project's current version, zero for untouched projects.
func (m *Manager) Version(ctx context.Context, projectID string) (uint64, error) {
	ma, err := m.get(ctx, projectID)
	if err != nil {
		return 0, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.agg.Version(), nil
}

// Projects lists ids with a loaded aggregate, sorted.
func (m *Manager) Projects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.aggregates))
	for id := range m.aggregates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
