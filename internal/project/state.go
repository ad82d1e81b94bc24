package project

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrStaleEvent marks an event whose sequence is at or below the state's
// version. Stale events are ignored; callers may log them.
var ErrStaleEvent = errors.New("stale event: sequence already applied")

// FileVersion is one immutable version of a file. Instances are never
// mutated after Apply creates them, so snapshots may share pointers.
type FileVersion struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Sequence  uint64    `json:"sequence"`
	Encoding  string    `json:"encoding,omitempty"`
}

// DirectoryInfo tracks an explicitly created directory and its direct
// children (full paths).
type DirectoryInfo struct {
	Path      string          `json:"path"`
	Children  map[string]bool `json:"children"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AgentSession is the state-side record of a session lifecycle.
type AgentSession struct {
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id"`
	AgentType string            `json:"agent_type"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Active    bool              `json:"active"`
	Summary   string            `json:"summary,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ValidationStatus tracks a validation request through decision.
type ValidationStatus struct {
	RequestID   string    `json:"request_id"`
	Tool        string    `json:"tool"`
	AgentID     string    `json:"agent_id"`
	CommandHash string    `json:"command_hash"`
	Status      string    `json:"status"` // pending | decided
	Decision    string    `json:"decision,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ValidatorID string    `json:"validator_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
}

// ProjectState is the fold of an aggregate's events. It is owned by a single
// writer; readers take Clone snapshots.
type ProjectState struct {
	ProjectID string    `json:"project_id"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`

	Files        map[string]*FileVersion      `json:"files"`
	Directories  map[string]*DirectoryInfo    `json:"directories"`
	DeletedFiles map[string]bool              `json:"deleted_files"`
	DeletedDirs  map[string]bool              `json:"deleted_dirs"`
	History      map[string][]*FileVersion    `json:"history"`
	Sessions     map[string]*AgentSession     `json:"sessions"`
	Validations  map[string]*ValidationStatus `json:"validations"`
}

// NewProjectState returns the empty fold for a project.
func NewProjectState(projectID string) *ProjectState {
	return &ProjectState{
		ProjectID:    projectID,
		Files:        make(map[string]*FileVersion),
		Directories:  make(map[string]*DirectoryInfo),
		DeletedFiles: make(map[string]bool),
		DeletedDirs:  make(map[string]bool),
		History:      make(map[string][]*FileVersion),
		Sessions:     make(map[string]*AgentSession),
		Validations:  make(map[string]*ValidationStatus),
	}
}

// Apply folds one event into the state. Pure per event type: the same event
// sequence always produces the same state. Duplicate or out-of-order events
// (sequence at or below Version) return ErrStaleEvent and change nothing.
func (s *ProjectState) Apply(e *Event) error {
	if e.Sequence <= s.Version {
		return ErrStaleEvent
	}

	switch e.Type {
	case EventFileCreated, EventFileModified:
		s.applyFileWrite(e)
	case EventFileDeleted:
		s.applyFileDelete(e)
	case EventFileMoved:
		s.applyFileMove(e)
	case EventFileCopied:
		s.applyFileCopy(e)
	case EventDirectoryCreated:
		s.applyDirCreate(e)
	case EventDirectoryDeleted:
		s.applyDirDelete(e)
	case EventDirectoryMoved:
		s.applyDirMove(e)
	case EventSessionStarted:
		s.applySessionStart(e)
	case EventSessionEnded:
		s.applySessionEnd(e)
	case EventValidationAsked:
		s.applyValidationRequest(e)
	case EventValidationMade:
		s.applyValidationDecision(e)
	}

	s.Version = e.Sequence
	s.UpdatedAt = e.Timestamp
	return nil
}

func (s *ProjectState) applyFileWrite(e *Event) {
	path := e.Data[KeyPath]
	fv := &FileVersion{
		Path:      path,
		Content:   e.Data[KeyContent],
		Hash:      e.Data[KeyContentHash],
		Size:      e.Size(),
		Timestamp: e.Timestamp,
		Author:    e.AgentID,
		Sequence:  e.Sequence,
		Encoding:  e.Data[KeyEncoding],
	}
	if fv.Hash == "" {
		fv.Hash = ContentHash(fv.Content)
	}
	if fv.Size == 0 {
		fv.Size = int64(len(fv.Content))
	}
	s.putFile(fv, e.Timestamp)
}

func (s *ProjectState) putFile(fv *FileVersion, at time.Time) {
	s.Files[fv.Path] = fv
	delete(s.DeletedFiles, fv.Path)
	s.History[fv.Path] = append(s.History[fv.Path], fv)
	s.addChild(fv.Path, at)
}

func (s *ProjectState) applyFileDelete(e *Event) {
	path := e.Data[KeyPath]
	if _, ok := s.Files[path]; !ok {
		return
	}
	delete(s.Files, path)
	s.DeletedFiles[path] = true
	s.removeChild(path, e.Timestamp)
}

func (s *ProjectState) applyFileMove(e *Event) {
	oldPath, newPath := e.Data[KeyOldPath], e.Data[KeyNewPath]
	src, ok := s.Files[oldPath]
	if !ok || newPath == "" {
		return
	}
	moved := &FileVersion{
		Path:      newPath,
		Content:   src.Content,
		Hash:      src.Hash,
		Size:      src.Size,
		Timestamp: e.Timestamp,
		Author:    e.AgentID,
		Sequence:  e.Sequence,
		Encoding:  src.Encoding,
	}
	delete(s.Files, oldPath)
	s.DeletedFiles[oldPath] = true
	s.removeChild(oldPath, e.Timestamp)
	s.putFile(moved, e.Timestamp)
}

func (s *ProjectState) applyFileCopy(e *Event) {
	oldPath, newPath := e.Data[KeyOldPath], e.Data[KeyNewPath]
	src, ok := s.Files[oldPath]
	if !ok || newPath == "" {
		return
	}
	copied := &FileVersion{
		Path:      newPath,
		Content:   src.Content,
		Hash:      src.Hash,
		Size:      src.Size,
		Timestamp: e.Timestamp,
		Author:    e.AgentID,
		Sequence:  e.Sequence,
		Encoding:  src.Encoding,
	}
	s.putFile(copied, e.Timestamp)
}

func (s *ProjectState) applyDirCreate(e *Event) {
	path := e.Data[KeyPath]
	if path == "" {
		return
	}
	if _, ok := s.Directories[path]; ok {
		return
	}
	s.Directories[path] = &DirectoryInfo{
		Path:      path,
		Children:  make(map[string]bool),
		CreatedBy: e.AgentID,
		CreatedAt: e.Timestamp,
		UpdatedAt: e.Timestamp,
	}
	delete(s.DeletedDirs, path)
	s.addChild(path, e.Timestamp)
}

// applyDirDelete tombstones the directory and everything under it.
func (s *ProjectState) applyDirDelete(e *Event) {
	path := e.Data[KeyPath]
	if _, ok := s.Directories[path]; !ok {
		return
	}
	prefix := path + "/"

	for p := range s.Files {
		if strings.HasPrefix(p, prefix) {
			delete(s.Files, p)
			s.DeletedFiles[p] = true
		}
	}
	for p := range s.Directories {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(s.Directories, p)
			s.DeletedDirs[p] = true
		}
	}
	s.removeChild(path, e.Timestamp)
}

// applyDirMove rewrites the path prefix of the directory and its subtree.
func (s *ProjectState) applyDirMove(e *Event) {
	oldPath, newPath := e.Data[KeyOldPath], e.Data[KeyNewPath]
	if _, ok := s.Directories[oldPath]; !ok || newPath == "" {
		return
	}
	oldPrefix := oldPath + "/"

	rename := func(p string) string {
		if p == oldPath {
			return newPath
		}
		return newPath + "/" + strings.TrimPrefix(p, oldPrefix)
	}

	var filePaths []string
	for p := range s.Files {
		if strings.HasPrefix(p, oldPrefix) {
			filePaths = append(filePaths, p)
		}
	}
	sort.Strings(filePaths)
	for _, p := range filePaths {
		src := s.Files[p]
		moved := &FileVersion{
			Path:      rename(p),
			Content:   src.Content,
			Hash:      src.Hash,
			Size:      src.Size,
			Timestamp: e.Timestamp,
			Author:    e.AgentID,
			Sequence:  e.Sequence,
			Encoding:  src.Encoding,
		}
		delete(s.Files, p)
		s.DeletedFiles[p] = true
		s.Files[moved.Path] = moved
		delete(s.DeletedFiles, moved.Path)
		s.History[moved.Path] = append(s.History[moved.Path], moved)
	}

	var dirPaths []string
	for p := range s.Directories {
		if p == oldPath || strings.HasPrefix(p, oldPrefix) {
			dirPaths = append(dirPaths, p)
		}
	}
	sort.Strings(dirPaths)
	for _, p := range dirPaths {
		d := s.Directories[p]
		nd := &DirectoryInfo{
			Path:      rename(p),
			Children:  make(map[string]bool, len(d.Children)),
			CreatedBy: d.CreatedBy,
			CreatedAt: d.CreatedAt,
			UpdatedAt: e.Timestamp,
		}
		for c := range d.Children {
			nd.Children[rename(c)] = true
		}
		delete(s.Directories, p)
		s.DeletedDirs[p] = true
		s.Directories[nd.Path] = nd
		delete(s.DeletedDirs, nd.Path)
	}

	s.removeChild(oldPath, e.Timestamp)
	s.addChild(newPath, e.Timestamp)
}

func (s *ProjectState) applySessionStart(e *Event) {
	sid := e.Data[KeySessionID]
	if sid == "" {
		return
	}
	sess := &AgentSession{
		SessionID: sid,
		AgentID:   e.AgentID,
		AgentType: e.Data[KeyAgentType],
		StartedAt: e.Timestamp,
		Active:    true,
	}
	if raw := e.Data[KeyMetadata]; raw != "" {
		var md map[string]string
		if err := json.Unmarshal([]byte(raw), &md); err == nil {
			sess.Metadata = md
		}
	}
	s.Sessions[sid] = sess
}

func (s *ProjectState) applySessionEnd(e *Event) {
	sess, ok := s.Sessions[e.Data[KeySessionID]]
	if !ok {
		return
	}
	sess.Active = false
	sess.EndedAt = e.Timestamp
	sess.Summary = e.Data[KeySummary]
}

func (s *ProjectState) applyValidationRequest(e *Event) {
	rid := e.Data[KeyRequestID]
	if rid == "" {
		return
	}
	s.Validations[rid] = &ValidationStatus{
		RequestID:   rid,
		Tool:        e.Data[KeyToolName],
		AgentID:     e.AgentID,
		CommandHash: e.Data[KeyCommandHash],
		Status:      "pending",
		RequestedAt: e.Timestamp,
	}
}

func (s *ProjectState) applyValidationDecision(e *Event) {
	rid := e.Data[KeyRequestID]
	if rid == "" {
		return
	}
	v, ok := s.Validations[rid]
	if !ok {
		v = &ValidationStatus{RequestID: rid, RequestedAt: e.Timestamp}
		s.Validations[rid] = v
	}
	v.Status = "decided"
	v.Decision = e.Data[KeyDecision]
	v.Reason = e.Data[KeyReason]
	v.ValidatorID = e.Data[KeyValidatorID]
	v.DecidedAt = e.Timestamp
}

// addChild registers path in its parent directory's child set, when the
// parent is an explicitly tracked directory.
func (s *ProjectState) addChild(path string, at time.Time) {
	parent := parentPath(path)
	if parent == "" {
		return
	}
	if dir, ok := s.Directories[parent]; ok {
		dir.Children[path] = true
		dir.UpdatedAt = at
	}
}

func (s *ProjectState) removeChild(path string, at time.Time) {
	parent := parentPath(path)
	if parent == "" {
		return
	}
	if dir, ok := s.Directories[parent]; ok {
		delete(dir.Children, path)
		dir.UpdatedAt = at
	}
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// PathState classifies what currently occupies a path.
type PathState int

const (
	PathAbsent PathState = iota
	PathLiveFile
	PathLiveDir
	PathTombstonedFile
	PathTombstonedDir
)

// StateOf reports which of the five path states holds. Live beats tombstone
// when both marks exist (a recreate clears the tombstone on apply, so both
// set at once would be a bug this ordering hides from readers).
func (s *ProjectState) StateOf(path string) PathState {
	if _, ok := s.Files[path]; ok {
		return PathLiveFile
	}
	if _, ok := s.Directories[path]; ok {
		return PathLiveDir
	}
	if s.DeletedFiles[path] {
		return PathTombstonedFile
	}
	if s.DeletedDirs[path] {
		return PathTombstonedDir
	}
	return PathAbsent
}

// FileAt returns the live version at path.
func (s *ProjectState) FileAt(path string) (*FileVersion, bool) {
	fv, ok := s.Files[path]
	return fv, ok
}

// ListPaths returns all live file paths, sorted.
func (s *ProjectState) ListPaths() []string {
	out := make([]string, 0, len(s.Files))
	for p := range s.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ActiveSessions returns sessions not yet ended.
func (s *ProjectState) ActiveSessions() []*AgentSession {
	var out []*AgentSession
	for _, sess := range s.Sessions {
		if sess.Active {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Clone deep-copies the state for readers. FileVersion values are immutable
// and shared; directory, session, and validation records are copied.
func (s *ProjectState) Clone() *ProjectState {
	cp := &ProjectState{
		ProjectID:    s.ProjectID,
		Version:      s.Version,
		UpdatedAt:    s.UpdatedAt,
		Files:        make(map[string]*FileVersion, len(s.Files)),
		Directories:  make(map[string]*DirectoryInfo, len(s.Directories)),
		DeletedFiles: make(map[string]bool, len(s.DeletedFiles)),
		DeletedDirs:  make(map[string]bool, len(s.DeletedDirs)),
		History:      make(map[string][]*FileVersion, len(s.History)),
		Sessions:     make(map[string]*AgentSession, len(s.Sessions)),
		Validations:  make(map[string]*ValidationStatus, len(s.Validations)),
	}
	for p, fv := range s.Files {
		cp.Files[p] = fv
	}
	for p, d := range s.Directories {
		nd := &DirectoryInfo{
			Path:      d.Path,
			Children:  make(map[string]bool, len(d.Children)),
			CreatedBy: d.CreatedBy,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		}
		for c := range d.Children {
			nd.Children[c] = true
		}
		cp.Directories[p] = nd
	}
	for p := range s.DeletedFiles {
		cp.DeletedFiles[p] = true
	}
	for p := range s.DeletedDirs {
		cp.DeletedDirs[p] = true
	}
	for p, versions := range s.History {
		cp.History[p] = append([]*FileVersion(nil), versions...)
	}
	for id, sess := range s.Sessions {
		c := *sess
		if sess.Metadata != nil {
			c.Metadata = make(map[string]string, len(sess.Metadata))
			for k, v := range sess.Metadata {
				c.Metadata[k] = v
			}
		}
		cp.Sessions[id] = &c
	}
	for id, v := range s.Validations {
		c := *v
		cp.Validations[id] = &c
	}
	return cp
}
