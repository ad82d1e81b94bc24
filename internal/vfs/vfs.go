// Package vfs exposes the hub as a POSIX-shaped tree with six top-level
// sections: current (live project state, writable), history (hourly
// point-in-time views), shadows (current mirrored with annotation
// envelopes), context (synthesized per-package JSON), streams (named JSON
// pipes), and debug (fresh diagnostic reports). Every operation
// authenticates against a hub session and fails with plain errnos so a
// FUSE or 9P frontend can pass results straight through.
package vfs

import (
	"context"
	"errors"
	"log"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/forgegate/hub/internal/astmeta"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/metrics"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/session"
	"github.com/forgegate/hub/internal/stream"
	"github.com/forgegate/hub/internal/timetravel"
)

const (
	modeDirRW  = os.ModeDir | 0755
	modeDirRO  = os.ModeDir | 0555
	modeFileRW = os.FileMode(0644)
	modeFileRO = os.FileMode(0444)
	modeFIFO   = os.ModeNamedPipe | 0644
)

// historyDepth is how many hourly entries readdir("/history") lists.
const historyDepth = 24

var defaultStreamNames = []string{
	"validation_requests",
	"validation_responses",
	"pair_sessions",
	"file_changes",
	"agent_activities",
}

// Attr is the stat result for one entry.
type Attr struct {
	Name  string      `json:"name"`
	Size  int64       `json:"size"`
	Mode  os.FileMode `json:"mode"`
	MTime time.Time   `json:"mtime"`
}

// IsDir reports whether the entry is a directory.
func (a Attr) IsDir() bool { return a.Mode.IsDir() }

// Config holds the per-mount settings.
type Config struct {
	ProjectID    string
	OpsPerSecond int      // per-operation-type budget, default 1000
	StreamNames  []string // pipe names under streams/, default set when empty
}

// Deps are the collaborators behind the surface. Guard, Annotations,
// Pipes, Perf, Hub, Audit, and Metrics may be nil; required pieces are the
// project manager, the reconstructor, the registry, and the authorizer.
type Deps struct {
	Projects      *project.Manager
	Reconstructor *timetravel.Reconstructor
	Sessions      *session.Registry
	Authorizer    *session.Authorizer
	Guard         *session.Guard
	Annotations   astmeta.Provider
	Pipes         *stream.PipeSet
	Hub           *stream.Hub
	Audit         *session.AuditLog
	Perf          *metrics.PerfTracker
	Metrics       *metrics.Metrics
}

// FS is the virtual filesystem for one project.
type FS struct {
	projectID   string
	streamNames []string

	projects *project.Manager
	rebuild  *timetravel.Reconstructor
	sessions *session.Registry
	authz    *session.Authorizer
	guard    *session.Guard
	provider astmeta.Provider
	pipes    *stream.PipeSet
	hub      *stream.Hub
	audit    *session.AuditLog
	perf     *metrics.PerfTracker
	metrics  *metrics.Metrics

	caches  *cacheSet
	limiter *opRateLimiter
	logger  *log.Logger
	started time.Time
	now     func() time.Time
}

// New wires the surface and pre-creates the configured stream pipes.
func New(cfg Config, deps Deps) *FS {
	if deps.Guard == nil {
		deps.Guard = session.NewGuard()
	}
	if deps.Annotations == nil {
		deps.Annotations = astmeta.NewHeuristic()
	}
	if deps.Pipes == nil {
		deps.Pipes = stream.NewPipeSet(0, deps.Metrics)
	}
	if deps.Perf == nil {
		if deps.Reconstructor != nil {
			deps.Perf = deps.Reconstructor.Perf()
		} else {
			deps.Perf = metrics.NewPerfTracker()
		}
	}
	names := cfg.StreamNames
	if len(names) == 0 {
		names = defaultStreamNames
	}
	fs := &FS{
		projectID:   cfg.ProjectID,
		streamNames: names,
		projects:    deps.Projects,
		rebuild:     deps.Reconstructor,
		sessions:    deps.Sessions,
		authz:       deps.Authorizer,
		guard:       deps.Guard,
		provider:    deps.Annotations,
		pipes:       deps.Pipes,
		hub:         deps.Hub,
		audit:       deps.Audit,
		perf:        deps.Perf,
		metrics:     deps.Metrics,
		caches:      newCacheSet(),
		limiter:     newOpRateLimiter(cfg.OpsPerSecond),
		logger:      log.New(log.Writer(), "[VFS] ", log.LstdFlags),
		started:     time.Now(),
		now:         time.Now,
	}
	for _, name := range names {
		fs.pipes.Get(name)
	}
	return fs
}

// Pipes exposes the pipe registry so producers (the validation service)
// can feed the streams section.
func (fs *FS) Pipes() *stream.PipeSet { return fs.pipes }

var sectionNames = map[string]session.Section{
	"current": session.SectionCurrent,
	"history": session.SectionHistory,
	"shadows": session.SectionShadows,
	"context": session.SectionContext,
	"streams": session.SectionStreams,
	"debug":   session.SectionDebug,
}

// splitPath normalizes an absolute path into (section, remainder). The
// remainder keeps its leading slash; both are empty for the mount root.
func splitPath(p string) (string, string, error) {
	if p == "" || p[0] != '/' {
		return "", "", syscall.ENOENT
	}
	clean := path.Clean(p)
	if clean == "/" {
		return "", "", nil
	}
	rem := clean[1:]
	if i := strings.Index(rem, "/"); i >= 0 {
		return rem[:i], rem[i:], nil
	}
	return rem, "", nil
}

// errno collapses internal failures to the errno a filesystem frontend
// reports. Unexpected errors are logged before they turn into EIO.
func (fs *FS) errno(op, p string, err error) syscall.Errno {
	var (
		errno    syscall.Errno
		authErr  *core.AuthError
		permErr  *core.PermissionError
		ruleErr  *core.BusinessRuleViolation
		rateErr  *core.RateLimitError
		raceErr  *core.RaceConditionError
		conflict *core.ConcurrencyConflict
	)
	switch {
	case errors.As(err, &errno):
		return errno
	case errors.As(err, &authErr), errors.As(err, &permErr), errors.As(err, &ruleErr):
		return syscall.EACCES
	case errors.As(err, &rateErr), errors.As(err, &raceErr), errors.As(err, &conflict):
		return syscall.EBUSY
	}
	fs.logger.Printf("%s %s: %v", op, p, err)
	return syscall.EIO
}

// authorize resolves the session for an operation. The mount root only
// needs a live session; sections go through the permission matrix.
func (fs *FS) authorize(sessionID, sectionName, fullPath string, op session.Op) (*session.Session, error) {
	if sectionName == "" {
		return fs.sessions.Get(sessionID)
	}
	sec, ok := sectionNames[sectionName]
	if !ok {
		return nil, syscall.ENOENT
	}
	return fs.authz.Authorize(sessionID, sec, fullPath, op)
}

func (fs *FS) countOp(op, sectionName string, ok bool) {
	if fs.metrics != nil {
		fs.metrics.RecordVFSOp(op, sectionName, ok)
	}
}

// Getattr stats one path.
func (fs *FS) Getattr(ctx context.Context, sessionID, p string) (*Attr, error) {
	started := time.Now()
	if !fs.limiter.allow("getattr") {
		fs.countOp("getattr", "", false)
		return nil, syscall.EBUSY
	}
	sectionName, rest, err := splitPath(p)
	if err != nil {
		fs.countOp("getattr", "", false)
		return nil, err
	}
	if _, err := fs.authorize(sessionID, sectionName, p, session.OpRead); err != nil {
		fs.countOp("getattr", sectionName, false)
		return nil, fs.errno("getattr", p, err)
	}

	attr, err := fs.getattr(ctx, sectionName, rest)
	fs.perf.Record("vfs_getattr", time.Since(started))
	fs.countOp("getattr", sectionName, err == nil)
	if err != nil {
		return nil, fs.errno("getattr", p, err)
	}
	return attr, nil
}

// Readdir lists one directory, entries sorted by name.
func (fs *FS) Readdir(ctx context.Context, sessionID, p string) ([]Attr, error) {
	started := time.Now()
	if !fs.limiter.allow("readdir") {
		fs.countOp("readdir", "", false)
		return nil, syscall.EBUSY
	}
	sectionName, rest, err := splitPath(p)
	if err != nil {
		fs.countOp("readdir", "", false)
		return nil, err
	}
	if _, err := fs.authorize(sessionID, sectionName, p, session.OpList); err != nil {
		fs.countOp("readdir", sectionName, false)
		return nil, fs.errno("readdir", p, err)
	}

	entries, err := fs.readdir(ctx, sectionName, rest)
	fs.perf.Record("vfs_readdir", time.Since(started))
	fs.countOp("readdir", sectionName, err == nil)
	if err != nil {
		return nil, fs.errno("readdir", p, err)
	}
	return entries, nil
}

// Read returns up to size bytes at offset. size <= 0 reads to the end.
// Stream reads ignore the offset and dequeue one message.
func (fs *FS) Read(ctx context.Context, sessionID, p string, size int, offset int64) ([]byte, error) {
	started := time.Now()
	if !fs.limiter.allow("read") {
		fs.countOp("read", "", false)
		return nil, syscall.EBUSY
	}
	sectionName, rest, err := splitPath(p)
	if err != nil {
		fs.countOp("read", "", false)
		return nil, err
	}
	if _, err := fs.authorize(sessionID, sectionName, p, session.OpRead); err != nil {
		fs.countOp("read", sectionName, false)
		return nil, fs.errno("read", p, err)
	}

	data, err := fs.read(ctx, sectionName, rest)
	fs.perf.Record("vfs_read", time.Since(started))
	fs.countOp("read", sectionName, err == nil)
	if err != nil {
		return nil, fs.errno("read", p, err)
	}
	if sectionName == "streams" {
		return data, nil
	}
	return sliceAt(data, size, offset), nil
}

// Write stores bytes at offset. Only current/ and streams/ accept writes;
// a gap between the old end of file and the offset zero-fills.
func (fs *FS) Write(ctx context.Context, sessionID, p string, data []byte, offset int64) (int, error) {
	started := time.Now()
	if !fs.limiter.allow("write") {
		fs.countOp("write", "", false)
		return 0, syscall.EBUSY
	}
	sectionName, rest, err := splitPath(p)
	if err != nil {
		fs.countOp("write", "", false)
		return 0, err
	}
	// Read-only sections authorize as reads: a session that may see the
	// section gets EROFS, one that may not gets EACCES.
	op := session.OpWrite
	switch sectionName {
	case "history", "shadows", "context", "debug":
		op = session.OpRead
	}
	sess, err := fs.authorize(sessionID, sectionName, p, op)
	if err != nil {
		fs.countOp("write", sectionName, false)
		return 0, fs.errno("write", p, err)
	}

	var n int
	switch sectionName {
	case "":
		err = syscall.EISDIR
	case "current":
		n, err = fs.writeCurrent(ctx, sess, sessionID, rest, data, offset)
	case "streams":
		n, err = fs.writeStream(rest, data)
	case "history", "shadows", "context", "debug":
		err = syscall.EROFS
	default:
		err = syscall.ENOENT
	}
	fs.perf.Record("vfs_write", time.Since(started))
	fs.countOp("write", sectionName, err == nil)
	if err != nil {
		return 0, fs.errno("write", p, err)
	}
	return n, nil
}

func (fs *FS) getattr(ctx context.Context, sectionName, rest string) (*Attr, error) {
	switch sectionName {
	case "":
		return &Attr{Name: "/", Mode: modeDirRW, MTime: fs.started}, nil
	case "current":
		return fs.attrLive(ctx, rest)
	case "history":
		return fs.attrHistory(ctx, rest)
	case "shadows":
		return fs.attrShadows(ctx, rest)
	case "context":
		return fs.attrContext(ctx, rest)
	case "streams":
		return fs.attrStreams(rest)
	case "debug":
		return fs.attrDebug(ctx, rest)
	}
	return nil, syscall.ENOENT
}

func (fs *FS) readdir(ctx context.Context, sectionName, rest string) ([]Attr, error) {
	switch sectionName {
	case "":
		return fs.rootEntries(), nil
	case "current":
		return fs.readdirLive(ctx, rest)
	case "history":
		return fs.readdirHistory(ctx, rest)
	case "shadows":
		return fs.readdirShadows(ctx, rest)
	case "context":
		return fs.readdirContext(ctx, rest)
	case "streams":
		return fs.readdirStreams(rest)
	case "debug":
		return fs.readdirDebug(rest)
	}
	return nil, syscall.ENOENT
}

func (fs *FS) read(ctx context.Context, sectionName, rest string) ([]byte, error) {
	switch sectionName {
	case "":
		return nil, syscall.EISDIR
	case "current":
		return fs.readLive(ctx, rest)
	case "history":
		return fs.readHistory(ctx, rest)
	case "shadows":
		return fs.readShadows(ctx, rest)
	case "context":
		return fs.readContext(ctx, rest)
	case "streams":
		return fs.readStream(rest)
	case "debug":
		return fs.readDebug(ctx, rest)
	}
	return nil, syscall.ENOENT
}

func (fs *FS) rootEntries() []Attr {
	return []Attr{
		{Name: "context", Mode: modeDirRW, MTime: fs.started},
		{Name: "current", Mode: modeDirRW, MTime: fs.started},
		{Name: "debug", Mode: modeDirRW, MTime: fs.started},
		{Name: "history", Mode: modeDirRO, MTime: fs.started},
		{Name: "shadows", Mode: modeDirRO, MTime: fs.started},
		{Name: "streams", Mode: modeDirRW, MTime: fs.started},
	}
}

// sliceAt windows content the way pread does: past-EOF reads are empty,
// size <= 0 means the whole remainder.
func sliceAt(data []byte, size int, offset int64) []byte {
	if offset < 0 || offset >= int64(len(data)) {
		return []byte{}
	}
	out := data[offset:]
	if size > 0 && size < len(out) {
		out = out[:size]
	}
	return append([]byte(nil), out...)
}
