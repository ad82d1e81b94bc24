package timetravel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/project"
)

// ErrSessionNotFound reports a session replay for an id no start event names.
var ErrSessionNotFound = errors.New("session not found")

// FileHistoryEntry is one change to a file, oldest first.
type FileHistoryEntry struct {
	Event     *project.Event `json:"event"`
	Operation string         `json:"operation"`
	AgentID   string         `json:"agent_id"`
	Content   string         `json:"content,omitempty"`
	Hash      string         `json:"hash,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FileHistory lists every event that touched the path, including the move
// that took it somewhere else.
func (r *Reconstructor) FileHistory(ctx context.Context, projectID, path string) ([]FileHistoryEntry, error) {
	events, err := r.events.Query(ctx, eventstore.Filter{AggregateID: projectID, Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to query file history: %w", err)
	}
	out := make([]FileHistoryEntry, 0, len(events))
	for _, e := range events {
		if !e.IsFileEvent() {
			continue
		}
		out = append(out, FileHistoryEntry{
			Event:     e,
			Operation: e.Metadata[project.MetaOperation],
			AgentID:   e.AgentID,
			Content:   e.Data[project.KeyContent],
			Hash:      e.Data[project.KeyContentHash],
			Timestamp: e.Timestamp,
		})
	}
	return out, nil
}

// SessionReplay captures everything one agent session did to a project.
type SessionReplay struct {
	SessionID    string                `json:"session_id"`
	ProjectID    string                `json:"project_id"`
	StartEvent   *project.Event        `json:"start_event"`
	EndEvent     *project.Event        `json:"end_event,omitempty"` // nil while the session is active
	PreState     *project.ProjectState `json:"pre_state"`
	PostState    *project.ProjectState `json:"post_state"`
	FilesTouched []string              `json:"files_touched"`
	Requests     int                   `json:"validation_requests"`
	Decisions    int                   `json:"validation_decisions"`
	Events       int                   `json:"events"`
}

// ReplaySession rebuilds the project as it stood when the session started
// and when it ended, plus the activity in between. An active session's
// post-state is the live state.
func (r *Reconstructor) ReplaySession(ctx context.Context, projectID, sessionID string) (*SessionReplay, error) {
	events, err := r.events.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	replay := &SessionReplay{SessionID: sessionID, ProjectID: projectID}
	for _, e := range events {
		switch {
		case e.Type == project.EventSessionStarted && e.Data[project.KeySessionID] == sessionID:
			replay.StartEvent = e
		case e.Type == project.EventSessionEnded && e.Data[project.KeySessionID] == sessionID:
			replay.EndEvent = e
		}
	}
	if replay.StartEvent == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var endSeq uint64
	if replay.EndEvent != nil {
		endSeq = replay.EndEvent.Sequence
	}

	pre := project.NewProjectState(projectID)
	post := project.NewProjectState(projectID)
	touched := map[string]bool{}
	for _, e := range events {
		if e.Sequence < replay.StartEvent.Sequence {
			if err := pre.Apply(e); err != nil && !errors.Is(err, project.ErrStaleEvent) {
				return nil, fmt.Errorf("failed to replay event %d: %w", e.Sequence, err)
			}
		}
		if endSeq == 0 || e.Sequence <= endSeq {
			if err := post.Apply(e); err != nil && !errors.Is(err, project.ErrStaleEvent) {
				return nil, fmt.Errorf("failed to replay event %d: %w", e.Sequence, err)
			}
		}

		if e.SessionID() != sessionID {
			continue
		}
		replay.Events++
		switch e.Type {
		case project.EventValidationAsked:
			replay.Requests++
		case project.EventValidationMade:
			replay.Decisions++
		}
		if e.IsFileEvent() {
			for _, p := range e.TouchedPaths() {
				if p != "" {
					touched[p] = true
				}
			}
		}
	}

	replay.PreState = pre
	replay.PostState = post
	replay.FilesTouched = make([]string, 0, len(touched))
	for p := range touched {
		replay.FilesTouched = append(replay.FilesTouched, p)
	}
	sort.Strings(replay.FilesTouched)
	return replay, nil
}

// FileDiff is a unified diff of one path between two instants.
type FileDiff struct {
	Path         string    `json:"path"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Unified      string    `json:"unified"`
	LinesAdded   int       `json:"lines_added"`
	LinesRemoved int       `json:"lines_removed"`
	SizeBefore   int64     `json:"size_before"`
	SizeAfter    int64     `json:"size_after"`
}

// GenerateDiff diffs the file's content between two rebuilt states. A file
// absent at one instant diffs against empty content; absent at both is an
// error.
func (r *Reconstructor) GenerateDiff(ctx context.Context, projectID, path string, t0, t1 time.Time) (*FileDiff, error) {
	before, err := r.Rebuild(ctx, projectID, t0)
	if err != nil {
		return nil, err
	}
	after, err := r.Rebuild(ctx, projectID, t1)
	if err != nil {
		return nil, err
	}

	var (
		beforeContent, afterContent string
		sizeBefore, sizeAfter       int64
	)
	fvBefore, okBefore := before.FileAt(path)
	if okBefore {
		beforeContent, sizeBefore = fvBefore.Content, fvBefore.Size
	}
	fvAfter, okAfter := after.FileAt(path)
	if okAfter {
		afterContent, sizeAfter = fvAfter.Content, fvAfter.Size
	}
	if !okBefore && !okAfter {
		return nil, fmt.Errorf("file %s absent at both instants", path)
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(beforeContent),
		B:        difflib.SplitLines(afterContent),
		FromFile: fmt.Sprintf("%s@%s", path, t0.UTC().Format(time.RFC3339)),
		ToFile:   fmt.Sprintf("%s@%s", path, t1.UTC().Format(time.RFC3339)),
		Context:  3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build diff: %w", err)
	}

	d := &FileDiff{
		Path:       path,
		From:       t0,
		To:         t1,
		Unified:    unified,
		SizeBefore: sizeBefore,
		SizeAfter:  sizeAfter,
	}
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			d.LinesAdded++
		case strings.HasPrefix(line, "-"):
			d.LinesRemoved++
		}
	}
	return d, nil
}

// Conflict is a burst of events on one path from more than one agent.
type Conflict struct {
	Path   string           `json:"path"`
	Agents []string         `json:"agents"`
	Events []*project.Event `json:"events"`
	Start  time.Time        `json:"start"`
	End    time.Time        `json:"end"`
}

// AnalyzeConflicts groups file events per path into bursts whose consecutive
// events land within the window, and reports bursts written by more than one
// agent.
func (r *Reconstructor) AnalyzeConflicts(ctx context.Context, projectID string, window time.Duration) ([]Conflict, error) {
	events, err := r.events.Load(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	byPath := map[string][]*project.Event{}
	for _, e := range events {
		if !e.IsFileEvent() {
			continue
		}
		for _, p := range e.TouchedPaths() {
			if p != "" {
				byPath[p] = append(byPath[p], e)
			}
		}
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var conflicts []Conflict
	for _, p := range paths {
		evs := byPath[p]
		for i := 0; i < len(evs); {
			j := i
			agents := map[string]bool{evs[i].AgentID: true}
			for j+1 < len(evs) && evs[j+1].Timestamp.Sub(evs[j].Timestamp) <= window {
				j++
				agents[evs[j].AgentID] = true
			}
			if len(agents) > 1 {
				names := make([]string, 0, len(agents))
				for a := range agents {
					names = append(names, a)
				}
				sort.Strings(names)
				conflicts = append(conflicts, Conflict{
					Path:   p,
					Agents: names,
					Events: evs[i : j+1],
					Start:  evs[i].Timestamp,
					End:    evs[j].Timestamp,
				})
			}
			i = j + 1
		}
	}
	return conflicts, nil
}
