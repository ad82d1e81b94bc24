package project

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileEvent(t EventType, seq uint64, path, content string) *Event {
	data := map[string]string{KeyPath: path}
	if content != "" {
		data[KeyContent] = content
		data[KeyContentHash] = ContentHash(content)
	}
	return NewEvent(t, "proj-1", seq, "agent-1", "sess-1", data)
}

func TestApplyFileLifecycle(t *testing.T) {
	s := NewProjectState("proj-1")

	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 1, "/src/main.go", "package main")))
	require.NoError(t, s.Apply(fileEvent(EventFileModified, 2, "/src/main.go", "package main // v2")))

	fv, ok := s.FileAt("/src/main.go")
	require.True(t, ok)
	assert.Equal(t, "package main // v2", fv.Content)
	assert.Equal(t, ContentHash("package main // v2"), fv.Hash)
	assert.Equal(t, int64(len("package main // v2")), fv.Size)
	assert.Equal(t, uint64(2), fv.Sequence)
	assert.Len(t, s.History["/src/main.go"], 2)
	assert.Equal(t, uint64(2), s.Version)

	require.NoError(t, s.Apply(fileEvent(EventFileDeleted, 3, "/src/main.go", "")))
	assert.Equal(t, PathTombstonedFile, s.StateOf("/src/main.go"))
	assert.Len(t, s.History["/src/main.go"], 2, "history survives deletion")

	// Recreate clears the tombstone.
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 4, "/src/main.go", "package main // v3")))
	assert.Equal(t, PathLiveFile, s.StateOf("/src/main.go"))
	assert.Len(t, s.History["/src/main.go"], 3)
}

func TestApplyStaleEventIgnored(t *testing.T) {
	s := NewProjectState("proj-1")
	e := fileEvent(EventFileCreated, 1, "/a.txt", "one")
	require.NoError(t, s.Apply(e))

	dup := fileEvent(EventFileModified, 1, "/a.txt", "two")
	assert.ErrorIs(t, s.Apply(dup), ErrStaleEvent)

	fv, _ := s.FileAt("/a.txt")
	assert.Equal(t, "one", fv.Content, "stale event must not change state")
	assert.Equal(t, uint64(1), s.Version)
}

func TestApplyFileMove(t *testing.T) {
	s := NewProjectState("proj-1")
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 1, "/old.go", "content")))

	move := NewEvent(EventFileMoved, "proj-1", 2, "agent-2", "", map[string]string{
		KeyOldPath: "/old.go",
		KeyNewPath: "/new.go",
	})
	require.NoError(t, s.Apply(move))

	assert.Equal(t, PathTombstonedFile, s.StateOf("/old.go"))
	assert.Equal(t, PathLiveFile, s.StateOf("/new.go"))

	fv, _ := s.FileAt("/new.go")
	assert.Equal(t, "content", fv.Content)
	assert.Equal(t, ContentHash("content"), fv.Hash)
	assert.Equal(t, "agent-2", fv.Author)
	assert.Len(t, s.History["/new.go"], 1)
}

func TestApplyDirectoryDeleteTombstonesSubtree(t *testing.T) {
	s := NewProjectState("proj-1")
	require.NoError(t, s.Apply(fileEvent(EventDirectoryCreated, 1, "/pkg", "")))
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 2, "/pkg/a.go", "a")))
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 3, "/pkg/sub/b.go", "b")))
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 4, "/other.go", "o")))

	require.NoError(t, s.Apply(fileEvent(EventDirectoryDeleted, 5, "/pkg", "")))

	assert.Equal(t, PathTombstonedDir, s.StateOf("/pkg"))
	assert.Equal(t, PathTombstonedFile, s.StateOf("/pkg/a.go"))
	assert.Equal(t, PathTombstonedFile, s.StateOf("/pkg/sub/b.go"))
	assert.Equal(t, PathLiveFile, s.StateOf("/other.go"))
}

func TestApplyDirectoryMoveRewritesSubtree(t *testing.T) {
	s := NewProjectState("proj-1")
	require.NoError(t, s.Apply(fileEvent(EventDirectoryCreated, 1, "/lib", "")))
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 2, "/lib/util.go", "u")))
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 3, "/lib/deep/x.go", "x")))

	move := NewEvent(EventDirectoryMoved, "proj-1", 4, "agent-1", "", map[string]string{
		KeyOldPath: "/lib",
		KeyNewPath: "/internal/lib",
	})
	require.NoError(t, s.Apply(move))

	assert.Equal(t, PathTombstonedDir, s.StateOf("/lib"))
	assert.Equal(t, PathLiveDir, s.StateOf("/internal/lib"))
	assert.Equal(t, PathLiveFile, s.StateOf("/internal/lib/util.go"))
	assert.Equal(t, PathLiveFile, s.StateOf("/internal/lib/deep/x.go"))
	assert.Equal(t, PathTombstonedFile, s.StateOf("/lib/util.go"))

	fv, _ := s.FileAt("/internal/lib/util.go")
	assert.Equal(t, "u", fv.Content)
}

func TestReplayDeterminism(t *testing.T) {
	events := []*Event{
		fileEvent(EventFileCreated, 1, "/a.go", "a1"),
		fileEvent(EventDirectoryCreated, 2, "/dir", ""),
		fileEvent(EventFileCreated, 3, "/dir/b.go", "b1"),
		fileEvent(EventFileModified, 4, "/a.go", "a2"),
		fileEvent(EventFileDeleted, 5, "/dir/b.go", ""),
	}

	s1 := NewProjectState("proj-1")
	s2 := NewProjectState("proj-1")
	for _, e := range events {
		require.NoError(t, s1.Apply(e))
		require.NoError(t, s2.Apply(e))
	}

	assert.Equal(t, s1.Version, s2.Version)
	assert.Equal(t, s1.ListPaths(), s2.ListPaths())
	for p, fv := range s1.Files {
		assert.Equal(t, fv.Hash, s2.Files[p].Hash)
	}
	assert.Equal(t, s1.DeletedFiles, s2.DeletedFiles)
}

func TestCloneIsolation(t *testing.T) {
	s := NewProjectState("proj-1")
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 1, "/a.go", "a")))
	require.NoError(t, s.Apply(fileEvent(EventDirectoryCreated, 2, "/d", "")))

	snap := s.Clone()
	require.NoError(t, s.Apply(fileEvent(EventFileCreated, 3, "/d/new.go", "n")))
	require.NoError(t, s.Apply(fileEvent(EventFileDeleted, 4, "/a.go", "")))

	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, PathLiveFile, snap.StateOf("/a.go"))
	assert.Equal(t, PathAbsent, snap.StateOf("/d/new.go"))
	assert.Empty(t, snap.Directories["/d"].Children)
}

func TestSessionAndValidationFold(t *testing.T) {
	s := NewProjectState("proj-1")

	start := NewEvent(EventSessionStarted, "proj-1", 1, "agent-1", "sess-9", map[string]string{
		KeySessionID: "sess-9",
		KeyAgentType: "refactor",
		KeyMetadata:  `{"branch":"main"}`,
	})
	require.NoError(t, s.Apply(start))

	sess := s.Sessions["sess-9"]
	require.NotNil(t, sess)
	assert.True(t, sess.Active)
	assert.Equal(t, "refactor", sess.AgentType)
	assert.Equal(t, "main", sess.Metadata["branch"])
	assert.Len(t, s.ActiveSessions(), 1)

	asked := NewEvent(EventValidationAsked, "proj-1", 2, "agent-1", "sess-9", map[string]string{
		KeyRequestID:   "req-1",
		KeyToolName:    "Bash",
		KeyCommandHash: "abcd1234abcd1234",
	})
	require.NoError(t, s.Apply(asked))
	assert.Equal(t, "pending", s.Validations["req-1"].Status)

	decided := NewEvent(EventValidationMade, "proj-1", 3, "validator-1", "sess-9", map[string]string{
		KeyRequestID:   "req-1",
		KeyDecision:    "APPROVED",
		KeyReason:      "reviewed",
		KeyValidatorID: "validator-1",
	})
	require.NoError(t, s.Apply(decided))
	assert.Equal(t, "decided", s.Validations["req-1"].Status)
	assert.Equal(t, "APPROVED", s.Validations["req-1"].Decision)

	end := NewEvent(EventSessionEnded, "proj-1", 4, "agent-1", "sess-9", map[string]string{
		KeySessionID: "sess-9",
		KeySummary:   "done",
	})
	require.NoError(t, s.Apply(end))
	assert.False(t, s.Sessions["sess-9"].Active)
	assert.Equal(t, "done", s.Sessions["sess-9"].Summary)
	assert.Empty(t, s.ActiveSessions())
}

func TestCanonicalHashStability(t *testing.T) {
	a := map[string]string{"path": "/x", "content": "hello", "size": "5"}
	b := map[string]string{"size": "5", "content": "hello", "path": "/x"}
	assert.Equal(t, CanonicalHash(a), CanonicalHash(b), "insertion order must not matter")

	c := map[string]string{"path": "/x", "content": "hello!", "size": "5"}
	assert.NotEqual(t, CanonicalHash(a), CanonicalHash(c))

	// Key/value boundaries must not be confusable.
	d := map[string]string{"pathx": "/", "content": "hello", "size": "5"}
	assert.NotEqual(t, CanonicalHash(a), CanonicalHash(d))
}

func TestEventIntegrity(t *testing.T) {
	e := fileEvent(EventFileCreated, 1, "/a.go", "body")
	assert.True(t, e.VerifyIntegrity())

	e.Data[KeyContent] = "tampered"
	assert.False(t, e.VerifyIntegrity())
}

func TestEventEnvelope(t *testing.T) {
	e := NewEvent(EventFileMoved, "proj-1", 7, "agent-1", "sess-1", map[string]string{
		KeyOldPath: "/a",
		KeyNewPath: "/b",
	})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, uint64(7), e.Sequence)
	assert.Equal(t, "move", e.Metadata[MetaOperation])
	assert.Equal(t, "sess-1", e.SessionID())
	assert.Equal(t, []string{"/a", "/b"}, e.TouchedPaths())
	assert.True(t, e.IsFileEvent())
	assert.WithinDuration(t, time.Now(), e.Timestamp, time.Minute)

	v := NewEvent(EventValidationAsked, "proj-1", 8, "agent-1", "", map[string]string{KeyRequestID: "r"})
	assert.False(t, v.IsFileEvent())
}
