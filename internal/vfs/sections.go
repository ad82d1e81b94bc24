package vfs

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/forgegate/hub/internal/astmeta"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/session"
)

// treeEntry is one child of a state-backed directory, mode-agnostic so the
// live view and the read-only views share the walk.
type treeEntry struct {
	name  string
	dir   bool
	size  int64
	mtime time.Time
}

// stateDir reports whether p names a directory: the project root, an
// explicitly created directory, or an implied parent of any live entry.
func stateDir(st *project.ProjectState, p string) bool {
	if p == "" || p == "/" {
		return true
	}
	if _, ok := st.Directories[p]; ok {
		return true
	}
	prefix := p + "/"
	for f := range st.Files {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	for d := range st.Directories {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}

// stateChildren lists the immediate children of directory dir, sorted.
func stateChildren(st *project.ProjectState, dir string) []treeEntry {
	prefix := "/"
	if dir != "" && dir != "/" {
		prefix = dir + "/"
	}

	subdirs := make(map[string]time.Time)
	var out []treeEntry
	for f, fv := range st.Files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		seg := f[len(prefix):]
		if i := strings.Index(seg, "/"); i >= 0 {
			name := seg[:i]
			if fv.Timestamp.After(subdirs[name]) {
				subdirs[name] = fv.Timestamp
			}
			continue
		}
		out = append(out, treeEntry{name: seg, size: fv.Size, mtime: fv.Timestamp})
	}
	for d, info := range st.Directories {
		if !strings.HasPrefix(d, prefix) {
			continue
		}
		name := d[len(prefix):]
		if i := strings.Index(name, "/"); i >= 0 {
			name = name[:i]
		}
		if info.UpdatedAt.After(subdirs[name]) {
			subdirs[name] = info.UpdatedAt
		}
	}
	for name, ts := range subdirs {
		out = append(out, treeEntry{name: name, dir: true, mtime: ts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// stateAttr stats one path inside a project state.
func stateAttr(st *project.ProjectState, p string, readonly bool) (*Attr, error) {
	fileMode, dirMode := modeFileRW, modeDirRW
	if readonly {
		fileMode, dirMode = modeFileRO, modeDirRO
	}
	if fv, ok := st.FileAt(p); ok {
		return &Attr{Name: path.Base(p), Size: fv.Size, Mode: fileMode, MTime: fv.Timestamp}, nil
	}
	if stateDir(st, p) {
		mtime := st.UpdatedAt
		if info, ok := st.Directories[p]; ok {
			mtime = info.UpdatedAt
		}
		return &Attr{Name: path.Base(p), Mode: dirMode, MTime: mtime}, nil
	}
	return nil, syscall.ENOENT
}

// stateEntries lists a directory inside a project state.
func stateEntries(st *project.ProjectState, p string, readonly bool) ([]Attr, error) {
	if _, ok := st.FileAt(p); ok {
		return nil, syscall.ENOTDIR
	}
	if !stateDir(st, p) {
		return nil, syscall.ENOENT
	}
	fileMode, dirMode := modeFileRW, modeDirRW
	if readonly {
		fileMode, dirMode = modeFileRO, modeDirRO
	}
	children := stateChildren(st, p)
	out := make([]Attr, 0, len(children))
	for _, c := range children {
		mode := fileMode
		if c.dir {
			mode = dirMode
		}
		out = append(out, Attr{Name: c.name, Size: c.size, Mode: mode, MTime: c.mtime})
	}
	return out, nil
}

// ===== current/ =====

func (fs *FS) attrLive(ctx context.Context, rest string) (*Attr, error) {
	if rest == "" {
		return &Attr{Name: "current", Mode: modeDirRW, MTime: fs.started}, nil
	}
	key := "/current" + rest
	if v, ok := fs.caches.attr.get(key); ok {
		a := v.(Attr)
		return &a, nil
	}
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return nil, err
	}
	attr, err := stateAttr(st, rest, false)
	if err != nil {
		return nil, err
	}
	fs.caches.attr.put(key, *attr)
	return attr, nil
}

func (fs *FS) readdirLive(ctx context.Context, rest string) ([]Attr, error) {
	key := "/current" + rest
	if v, ok := fs.caches.dir.get(key); ok {
		return v.([]Attr), nil
	}
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return nil, err
	}
	dir := rest
	if dir == "" {
		dir = "/"
	}
	entries, err := stateEntries(st, dir, false)
	if err != nil {
		return nil, err
	}
	fs.caches.dir.put(key, entries)
	return entries, nil
}

func (fs *FS) readLive(ctx context.Context, rest string) ([]byte, error) {
	if rest == "" {
		return nil, syscall.EISDIR
	}
	key := "/current" + rest
	if v, ok := fs.caches.content.get(key); ok {
		return v.([]byte), nil
	}
	fv, ok, err := fs.projects.FileAt(ctx, fs.projectID, rest)
	if err != nil {
		return nil, err
	}
	if !ok {
		st, err := fs.projects.Snapshot(ctx, fs.projectID)
		if err != nil {
			return nil, err
		}
		if stateDir(st, rest) {
			return nil, syscall.EISDIR
		}
		return nil, syscall.ENOENT
	}
	data := []byte(fv.Content)
	fs.caches.content.put(key, data)
	return data, nil
}

// writeCurrent splices the bytes into the file under the race guard and
// drives the aggregate. The guard serializes writers per path; transition
// validation turns interleaved external writes into retryable failures.
func (fs *FS) writeCurrent(ctx context.Context, sess *session.Session, sessionID, rest string, data []byte, offset int64) (int, error) {
	if rest == "" {
		return 0, syscall.EISDIR
	}
	if offset < 0 {
		return 0, syscall.EIO
	}
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return 0, err
	}
	op := "write"
	if _, ok := st.FileAt(rest); !ok {
		if stateDir(st, rest) {
			return 0, syscall.EISDIR
		}
		op = "create"
	}

	observe := func() (session.FileState, error) {
		fv, ok, err := fs.projects.FileAt(ctx, fs.projectID, rest)
		if err != nil || !ok {
			return session.FileState{}, err
		}
		return session.FileState{Exists: true, Hash: fv.Hash, Version: fv.Sequence, MTime: fv.Timestamp}, nil
	}
	perform := func() error {
		fv, ok, err := fs.projects.FileAt(ctx, fs.projectID, rest)
		if err != nil {
			return err
		}
		var current string
		if ok {
			current = fv.Content
		}
		next := splice(current, data, offset)
		_, err = fs.projects.ModifyFile(ctx, fs.projectID, rest, next, sess.AgentID, sessionID, -1)
		return err
	}
	if err := fs.guard.Do(rest, op, observe, perform); err != nil {
		return 0, err
	}
	fs.caches.invalidateWrite(rest)
	return len(data), nil
}

// splice overlays data at offset, zero-filling any gap past the old end.
func splice(current string, data []byte, offset int64) string {
	buf := []byte(current)
	end := offset + int64(len(data))
	if int64(len(buf)) < end {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:end], data)
	return string(buf)
}

// ===== history/ =====

// parseHistory splits "/<ts>/<subpath>" and validates the timestamp.
func parseHistory(rest string) (ts time.Time, key, sub string, err error) {
	trimmed := strings.TrimPrefix(rest, "/")
	name := trimmed
	if i := strings.Index(trimmed, "/"); i >= 0 {
		name = trimmed[:i]
		sub = trimmed[i:]
	}
	ts, perr := time.Parse(time.RFC3339, name)
	if perr != nil {
		return time.Time{}, "", "", syscall.ENOENT
	}
	return ts, "/history/" + name, sub, nil
}

// historyState rebuilds (or recalls) the project state at the instant.
func (fs *FS) historyState(ctx context.Context, key string, ts time.Time) (*project.ProjectState, error) {
	if v, ok := fs.caches.history.get(key); ok {
		return v.(*project.ProjectState), nil
	}
	st, err := fs.rebuild.Rebuild(ctx, fs.projectID, ts)
	if err != nil {
		return nil, err
	}
	fs.caches.history.put(key, st)
	return st, nil
}

func (fs *FS) attrHistory(ctx context.Context, rest string) (*Attr, error) {
	if rest == "" {
		return &Attr{Name: "history", Mode: modeDirRO, MTime: fs.started}, nil
	}
	ts, key, sub, err := parseHistory(rest)
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return &Attr{Name: strings.TrimPrefix(rest, "/"), Mode: modeDirRO, MTime: ts}, nil
	}
	st, err := fs.historyState(ctx, key, ts)
	if err != nil {
		return nil, err
	}
	return stateAttr(st, sub, true)
}

func (fs *FS) readdirHistory(ctx context.Context, rest string) ([]Attr, error) {
	if rest == "" {
		now := fs.now().UTC().Truncate(time.Hour)
		out := make([]Attr, 0, historyDepth)
		for i := historyDepth - 1; i >= 0; i-- {
			t := now.Add(-time.Duration(i) * time.Hour)
			out = append(out, Attr{Name: t.Format(time.RFC3339), Mode: modeDirRO, MTime: t})
		}
		return out, nil
	}
	ts, key, sub, err := parseHistory(rest)
	if err != nil {
		return nil, err
	}
	st, err := fs.historyState(ctx, key, ts)
	if err != nil {
		return nil, err
	}
	dir := sub
	if dir == "" {
		dir = "/"
	}
	return stateEntries(st, dir, true)
}

func (fs *FS) readHistory(ctx context.Context, rest string) ([]byte, error) {
	if rest == "" {
		return nil, syscall.EISDIR
	}
	ts, key, sub, err := parseHistory(rest)
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return nil, syscall.EISDIR
	}
	st, err := fs.historyState(ctx, key, ts)
	if err != nil {
		return nil, err
	}
	if fv, ok := st.FileAt(sub); ok {
		return []byte(fv.Content), nil
	}
	if stateDir(st, sub) {
		return nil, syscall.EISDIR
	}
	return nil, syscall.ENOENT
}

// ===== shadows/ =====

// ShadowEnvelope is the JSON a shadow file serves: the live content plus
// its annotation overlay.
type ShadowEnvelope struct {
	Path        string              `json:"path"`
	Content     string              `json:"content"`
	Hash        string              `json:"hash"`
	Size        int64               `json:"size"`
	Author      string              `json:"author"`
	ModifiedAt  time.Time           `json:"modified_at"`
	Annotations *astmeta.Annotation `json:"annotations"`
}

// shadowContent renders the envelope for one live file.
func (fs *FS) shadowContent(ctx context.Context, rest string) ([]byte, *project.FileVersion, error) {
	fv, ok, err := fs.projects.FileAt(ctx, fs.projectID, rest)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, syscall.ENOENT
	}
	key := "/shadows" + rest
	if v, hit := fs.caches.content.get(key); hit {
		return v.([]byte), fv, nil
	}

	ann, err := fs.provider.Annotate(ctx, rest, fv.Content)
	if err != nil {
		fs.logger.Printf("annotate %s: %v", rest, err)
		ann = nil
	}
	env := ShadowEnvelope{
		Path:        rest,
		Content:     fv.Content,
		Hash:        fv.Hash,
		Size:        fv.Size,
		Author:      fv.Author,
		ModifiedAt:  fv.Timestamp,
		Annotations: ann,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	data = append(data, '\n')
	fs.caches.content.put(key, data)
	return data, fv, nil
}

func (fs *FS) attrShadows(ctx context.Context, rest string) (*Attr, error) {
	if rest == "" {
		return &Attr{Name: "shadows", Mode: modeDirRO, MTime: fs.started}, nil
	}
	data, fv, err := fs.shadowContent(ctx, rest)
	if err == nil {
		return &Attr{Name: path.Base(rest), Size: int64(len(data)), Mode: modeFileRO, MTime: fv.Timestamp}, nil
	}
	if err != syscall.ENOENT {
		return nil, err
	}
	st, serr := fs.projects.Snapshot(ctx, fs.projectID)
	if serr != nil {
		return nil, serr
	}
	if stateDir(st, rest) {
		return &Attr{Name: path.Base(rest), Mode: modeDirRO, MTime: st.UpdatedAt}, nil
	}
	return nil, syscall.ENOENT
}

// readdirShadows mirrors the live tree. Listed sizes are the underlying
// content sizes; getattr on a file reports the exact envelope size.
func (fs *FS) readdirShadows(ctx context.Context, rest string) ([]Attr, error) {
	key := "/shadows" + rest
	if v, ok := fs.caches.dir.get(key); ok {
		return v.([]Attr), nil
	}
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return nil, err
	}
	dir := rest
	if dir == "" {
		dir = "/"
	}
	entries, err := stateEntries(st, dir, true)
	if err != nil {
		return nil, err
	}
	fs.caches.dir.put(key, entries)
	return entries, nil
}

func (fs *FS) readShadows(ctx context.Context, rest string) ([]byte, error) {
	if rest == "" {
		return nil, syscall.EISDIR
	}
	data, _, err := fs.shadowContent(ctx, rest)
	if err == nil {
		return data, nil
	}
	if err != syscall.ENOENT {
		return nil, err
	}
	st, serr := fs.projects.Snapshot(ctx, fs.projectID)
	if serr != nil {
		return nil, serr
	}
	if stateDir(st, rest) {
		return nil, syscall.EISDIR
	}
	return nil, syscall.ENOENT
}
