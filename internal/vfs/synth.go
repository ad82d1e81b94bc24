package vfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/forgegate/hub/internal/astmeta"
	"github.com/forgegate/hub/internal/project"
)

// ===== streams/ =====

// streamName resolves "/<name>" to a configured pipe name.
func (fs *FS) streamName(rest string) (string, error) {
	name := strings.TrimPrefix(rest, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", syscall.ENOENT
	}
	for _, n := range fs.streamNames {
		if n == name {
			return name, nil
		}
	}
	return "", syscall.ENOENT
}

func (fs *FS) attrStreams(rest string) (*Attr, error) {
	if rest == "" {
		return &Attr{Name: "streams", Mode: modeDirRW, MTime: fs.started}, nil
	}
	name, err := fs.streamName(rest)
	if err != nil {
		return nil, err
	}
	return &Attr{Name: name, Mode: modeFIFO, MTime: fs.started}, nil
}

func (fs *FS) readdirStreams(rest string) ([]Attr, error) {
	if rest != "" {
		if _, err := fs.streamName(rest); err != nil {
			return nil, err
		}
		return nil, syscall.ENOTDIR
	}
	names := append([]string(nil), fs.streamNames...)
	sort.Strings(names)
	out := make([]Attr, 0, len(names))
	for _, n := range names {
		out = append(out, Attr{Name: n, Mode: modeFIFO, MTime: fs.started})
	}
	return out, nil
}

// readStream dequeues one message FIFO. An empty pipe reads as zero bytes
// rather than blocking.
func (fs *FS) readStream(rest string) ([]byte, error) {
	name, err := fs.streamName(rest)
	if err != nil {
		return nil, err
	}
	payload, ok := fs.pipes.Get(name).Read()
	if !ok {
		return []byte{}, nil
	}
	return append(payload, '\n'), nil
}

// writeStream appends one JSON message to the pipe.
func (fs *FS) writeStream(rest string, data []byte) (int, error) {
	name, err := fs.streamName(rest)
	if err != nil {
		return 0, err
	}
	if err := fs.pipes.Get(name).WriteRaw(bytes.TrimSpace(data)); err != nil {
		return 0, syscall.EIO
	}
	return len(data), nil
}

// ===== context/ =====

var contextFiles = []string{"context.json", "files.json", "manifest.json"}

// packageID flattens a directory path into a context entry name.
func packageID(dir string) string {
	if dir == "/" {
		return "root"
	}
	return strings.ReplaceAll(strings.TrimPrefix(dir, "/"), "/", ".")
}

func parentDir(p string) string {
	if i := strings.LastIndex(p, "/"); i > 0 {
		return p[:i]
	}
	return "/"
}

// packageIndex groups live files by containing directory. Flattened names
// can collide ("/a.b/c" vs "/a/b/c"); the first in sorted path order wins.
func packageIndex(st *project.ProjectState) ([]string, map[string]string) {
	byID := make(map[string]string)
	for _, p := range st.ListPaths() {
		dir := parentDir(p)
		id := packageID(dir)
		if _, ok := byID[id]; !ok {
			byID[id] = dir
		}
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, byID
}

// packageFiles lists the live files directly inside dir, sorted.
func packageFiles(st *project.ProjectState, dir string) []*project.FileVersion {
	var out []*project.FileVersion
	for _, p := range st.ListPaths() {
		if parentDir(p) != dir {
			continue
		}
		if fv, ok := st.FileAt(p); ok {
			out = append(out, fv)
		}
	}
	return out
}

// splitContext splits "/<id>/<file>" into its two parts.
func splitContext(rest string) (id, file string, err error) {
	trimmed := strings.TrimPrefix(rest, "/")
	if trimmed == "" {
		return "", "", syscall.ENOENT
	}
	if i := strings.Index(trimmed, "/"); i >= 0 {
		id, file = trimmed[:i], trimmed[i+1:]
		if file == "" || strings.Contains(file, "/") {
			return "", "", syscall.ENOENT
		}
		return id, file, nil
	}
	return trimmed, "", nil
}

func isContextFile(name string) bool {
	for _, f := range contextFiles {
		if f == name {
			return true
		}
	}
	return false
}

// renderContext builds one synthesized JSON document for a package.
func (fs *FS) renderContext(ctx context.Context, st *project.ProjectState, id, dir, file string) ([]byte, error) {
	key := "/context/" + id + "/" + file
	if v, ok := fs.caches.content.get(key); ok {
		return v.([]byte), nil
	}

	files := packageFiles(st, dir)
	var doc interface{}
	switch file {
	case "manifest.json":
		var total int64
		for _, fv := range files {
			total += fv.Size
		}
		doc = map[string]interface{}{
			"package":      id,
			"path":         dir,
			"file_count":   len(files),
			"total_bytes":  total,
			"generated_at": fs.now().UTC(),
		}
	case "files.json":
		list := make([]map[string]interface{}, 0, len(files))
		for _, fv := range files {
			list = append(list, map[string]interface{}{
				"path":        fv.Path,
				"size":        fv.Size,
				"hash":        fv.Hash,
				"author":      fv.Author,
				"modified_at": fv.Timestamp,
			})
		}
		doc = map[string]interface{}{"package": id, "files": list}
	case "context.json":
		anns := make([]*astmeta.Annotation, 0, len(files))
		for _, fv := range files {
			ann, err := fs.provider.Annotate(ctx, fv.Path, fv.Content)
			if err != nil {
				fs.logger.Printf("annotate %s: %v", fv.Path, err)
				continue
			}
			anns = append(anns, ann)
		}
		doc = map[string]interface{}{
			"package":      id,
			"path":         dir,
			"files":        anns,
			"generated_at": fs.now().UTC(),
		}
	default:
		return nil, syscall.ENOENT
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	fs.caches.content.put(key, data)
	return data, nil
}

func (fs *FS) attrContext(ctx context.Context, rest string) (*Attr, error) {
	if rest == "" {
		return &Attr{Name: "context", Mode: modeDirRW, MTime: fs.started}, nil
	}
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return nil, err
	}
	_, byID := packageIndex(st)
	id, file, err := splitContext(rest)
	if err != nil {
		return nil, err
	}
	dir, ok := byID[id]
	if !ok {
		return nil, syscall.ENOENT
	}
	if file == "" {
		return &Attr{Name: id, Mode: modeDirRW, MTime: st.UpdatedAt}, nil
	}
	if !isContextFile(file) {
		return nil, syscall.ENOENT
	}
	data, err := fs.renderContext(ctx, st, id, dir, file)
	if err != nil {
		return nil, err
	}
	return &Attr{Name: file, Size: int64(len(data)), Mode: modeFileRW, MTime: st.UpdatedAt}, nil
}

func (fs *FS) readdirContext(ctx context.Context, rest string) ([]Attr, error) {
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return nil, err
	}
	ids, byID := packageIndex(st)
	if rest == "" {
		out := make([]Attr, 0, len(ids))
		for _, id := range ids {
			out = append(out, Attr{Name: id, Mode: modeDirRW, MTime: st.UpdatedAt})
		}
		return out, nil
	}
	id, file, err := splitContext(rest)
	if err != nil {
		return nil, err
	}
	dir, ok := byID[id]
	if !ok {
		return nil, syscall.ENOENT
	}
	if file != "" {
		if isContextFile(file) {
			return nil, syscall.ENOTDIR
		}
		return nil, syscall.ENOENT
	}
	out := make([]Attr, 0, len(contextFiles))
	for _, f := range contextFiles {
		data, err := fs.renderContext(ctx, st, id, dir, f)
		if err != nil {
			return nil, err
		}
		out = append(out, Attr{Name: f, Size: int64(len(data)), Mode: modeFileRW, MTime: st.UpdatedAt})
	}
	return out, nil
}

func (fs *FS) readContext(ctx context.Context, rest string) ([]byte, error) {
	if rest == "" {
		return nil, syscall.EISDIR
	}
	st, err := fs.projects.Snapshot(ctx, fs.projectID)
	if err != nil {
		return nil, err
	}
	_, byID := packageIndex(st)
	id, file, err := splitContext(rest)
	if err != nil {
		return nil, err
	}
	dir, ok := byID[id]
	if !ok {
		return nil, syscall.ENOENT
	}
	if file == "" {
		return nil, syscall.EISDIR
	}
	if !isContextFile(file) {
		return nil, syscall.ENOENT
	}
	return fs.renderContext(ctx, st, id, dir, file)
}

// ===== debug/ =====

var debugFiles = []string{"cache_stats.json", "health.json", "operation_log.txt", "performance.json"}

// renderDebug computes a diagnostic report. Debug files are never cached;
// every read reflects the instant it happened.
func (fs *FS) renderDebug(name string) ([]byte, error) {
	switch name {
	case "performance.json":
		data, err := json.MarshalIndent(fs.perf.Snapshot(), "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil

	case "cache_stats.json":
		pipeStats := make(map[string]interface{})
		for _, n := range fs.pipes.List() {
			p := fs.pipes.Get(n)
			pipeStats[n] = map[string]interface{}{"len": p.Len(), "dropped": p.Dropped()}
		}
		doc := map[string]interface{}{
			"vfs_caches":           fs.caches.stats(),
			"authorization":        fs.authz.Stats(),
			"rebuild_memo_entries": fs.rebuild.MemoSize(),
			"pipes":                pipeStats,
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil

	case "operation_log.txt":
		if fs.audit == nil {
			return []byte{}, nil
		}
		var b strings.Builder
		for _, e := range fs.audit.Recent(200) {
			fmt.Fprintf(&b, "%s agent=%s session=%s op=%s path=%s outcome=%s %s\n",
				e.Time.UTC().Format(time.RFC3339), e.AgentID, e.SessionID, e.Op, e.Path, e.Outcome, e.Detail)
		}
		return []byte(b.String()), nil

	case "health.json":
		subscribers := 0
		if fs.hub != nil {
			subscribers = fs.hub.Subscribers()
		}
		doc := map[string]interface{}{
			"status":             "ok",
			"project_id":         fs.projectID,
			"uptime_seconds":     fs.now().Sub(fs.started).Seconds(),
			"active_sessions":    fs.sessions.Active(),
			"stream_subscribers": subscribers,
			"time":               fs.now().UTC(),
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, syscall.ENOENT
}

func (fs *FS) attrDebug(ctx context.Context, rest string) (*Attr, error) {
	if rest == "" {
		return &Attr{Name: "debug", Mode: modeDirRW, MTime: fs.started}, nil
	}
	name := strings.TrimPrefix(rest, "/")
	if strings.Contains(name, "/") {
		return nil, syscall.ENOENT
	}
	data, err := fs.renderDebug(name)
	if err != nil {
		return nil, err
	}
	return &Attr{Name: name, Size: int64(len(data)), Mode: modeFileRW, MTime: fs.now()}, nil
}

func (fs *FS) readdirDebug(rest string) ([]Attr, error) {
	if rest != "" {
		name := strings.TrimPrefix(rest, "/")
		if !strings.Contains(name, "/") {
			for _, f := range debugFiles {
				if f == name {
					return nil, syscall.ENOTDIR
				}
			}
		}
		return nil, syscall.ENOENT
	}
	out := make([]Attr, 0, len(debugFiles))
	for _, f := range debugFiles {
		data, err := fs.renderDebug(f)
		if err != nil {
			return nil, err
		}
		out = append(out, Attr{Name: f, Size: int64(len(data)), Mode: modeFileRW, MTime: fs.now()})
	}
	return out, nil
}

func (fs *FS) readDebug(ctx context.Context, rest string) ([]byte, error) {
	if rest == "" {
		return nil, syscall.EISDIR
	}
	name := strings.TrimPrefix(rest, "/")
	if strings.Contains(name, "/") {
		return nil, syscall.ENOENT
	}
	return fs.renderDebug(name)
}
