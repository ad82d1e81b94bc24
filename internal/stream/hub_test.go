package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegate/hub/internal/project"
)

func fileEvent(t *testing.T, typ project.EventType, agg string, seq uint64, agent string, data map[string]string) *project.Event {
	t.Helper()
	return project.NewEvent(typ, agg, seq, agent, "", data)
}

func TestFilterMatches(t *testing.T) {
	created := fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go", project.KeyContent: "x"})
	moved := fileEvent(t, project.EventFileMoved, "proj-1", 2, "agent-2",
		map[string]string{project.KeyOldPath: "/a.go", project.KeyNewPath: "/b.go"})

	cases := []struct {
		name   string
		filter Filter
		event  *project.Event
		want   bool
	}{
		{"zero filter matches all", Filter{}, created, true},
		{"aggregate match", Filter{AggregateID: "proj-1"}, created, true},
		{"aggregate mismatch", Filter{AggregateID: "proj-2"}, created, false},
		{"agent match", Filter{AgentID: "agent-1"}, created, true},
		{"agent mismatch", Filter{AgentID: "agent-2"}, created, false},
		{"type match", Filter{EventTypes: []project.EventType{project.EventFileCreated}}, created, true},
		{"type mismatch", Filter{EventTypes: []project.EventType{project.EventFileDeleted}}, created, false},
		{"path match", Filter{Path: "/a.go"}, created, true},
		{"path mismatch", Filter{Path: "/z.go"}, created, false},
		{"move matches old path", Filter{Path: "/a.go"}, moved, true},
		{"move matches new path", Filter{Path: "/b.go"}, moved, true},
		{"all fields must match", Filter{AggregateID: "proj-1", AgentID: "agent-2"}, created, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(tc.event))
		})
	}
}

func TestSubscribeFilterAndPoll(t *testing.T) {
	h := NewHub(nil, HubOptions{})

	byProject := h.Subscribe("watcher-a", Filter{AggregateID: "proj-1"}, 0, nil)
	byType := h.Subscribe("watcher-b", Filter{EventTypes: []project.EventType{project.EventFileModified}}, 0, nil)
	byPath := h.Subscribe("watcher-c", Filter{Path: "/a.go"}, 0, nil)

	h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go", project.KeyContent: "x"}))
	h.Publish(fileEvent(t, project.EventFileModified, "proj-2", 1, "agent-1",
		map[string]string{project.KeyPath: "/b.go", project.KeyContent: "y"}))
	h.Publish(fileEvent(t, project.EventFileMoved, "proj-1", 2, "agent-2",
		map[string]string{project.KeyOldPath: "/a.go", project.KeyNewPath: "/c.go"}))

	got, err := h.Poll(byProject, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, project.EventFileCreated, got[0].Type)
	assert.Equal(t, project.EventFileMoved, got[1].Type)

	got, err = h.Poll(byType, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "proj-2", got[0].AggregateID)

	got, err = h.Poll(byPath, 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "path filter should match the move via old_path")

	// Poll drains: nothing left.
	got, err = h.Poll(byProject, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPollPartialDrain(t *testing.T) {
	h := NewHub(nil, HubOptions{})
	id := h.Subscribe("watcher", Filter{}, 0, nil)

	for i := 1; i <= 5; i++ {
		h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", uint64(i), "agent-1",
			map[string]string{project.KeyPath: "/a.go"}))
	}

	got, err := h.Poll(id, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(2), got[1].Sequence)

	got, err = h.Poll(id, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Sequence)
}

func TestCallbackInvoked(t *testing.T) {
	h := NewHub(nil, HubOptions{})

	var mu sync.Mutex
	var seen []uint64
	id := h.Subscribe("cb", Filter{}, 0, func(e *project.Event) error {
		mu.Lock()
		seen = append(seen, e.Sequence)
		mu.Unlock()
		if e.Sequence == 1 {
			return errors.New("handler rejected it")
		}
		return nil
	})

	h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go"}))
	h.Publish(fileEvent(t, project.EventFileModified, "proj-1", 2, "agent-1",
		map[string]string{project.KeyPath: "/a.go"}))

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, seen, "a callback error must not stop later deliveries")
	mu.Unlock()

	got, err := h.Poll(id, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2, "events are buffered regardless of callback outcome")
}

func TestCallbackPanicContained(t *testing.T) {
	h := NewHub(nil, HubOptions{})
	h.Subscribe("bad", Filter{}, 0, func(*project.Event) error {
		panic("handler bug")
	})
	quiet := h.Subscribe("good", Filter{}, 0, nil)

	require.NotPanics(t, func() {
		h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
			map[string]string{project.KeyPath: "/a.go"}))
	})

	got, err := h.Poll(quiet, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBackpressureDropsOldest(t *testing.T) {
	h := NewHub(nil, HubOptions{DefaultBufferSize: 10, BackpressureLimit: 20})
	id := h.Subscribe("slow", Filter{}, 0, nil)

	for i := 1; i <= 21; i++ {
		h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", uint64(i), "agent-1",
			map[string]string{project.KeyPath: "/a.go"}))
	}

	dropped, ok := h.Dropped(id)
	require.True(t, ok)
	assert.Equal(t, uint64(11), dropped)

	got, err := h.Poll(id, 0)
	require.NoError(t, err)
	require.Len(t, got, 10, "buffer shrinks back to its nominal size")
	assert.Equal(t, uint64(12), got[0].Sequence, "oldest events go first")
	assert.Equal(t, uint64(21), got[9].Sequence, "the newest event always lands")
}

func TestPublishAbandonsSlowConsumer(t *testing.T) {
	h := NewHub(nil, HubOptions{SendTimeout: 50 * time.Millisecond})

	entered := make(chan struct{}, 1)
	block := make(chan struct{})
	id := h.Subscribe("stuck", Filter{}, 0, func(*project.Event) error {
		entered <- struct{}{}
		<-block
		return nil
	})
	defer close(block)

	returned := make(chan struct{})
	go func() {
		h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
			map[string]string{project.KeyPath: "/a.go"}))
		close(returned)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never started")
	}
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("publish stayed blocked on a stuck callback")
	}

	got, err := h.Poll(id, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "the event is buffered before the callback runs")
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(nil, HubOptions{})
	id := h.Subscribe("watcher", Filter{}, 0, nil)
	assert.Equal(t, 1, h.Subscribers())

	assert.True(t, h.Unsubscribe(id))
	assert.False(t, h.Unsubscribe(id), "second unsubscribe is a no-op")
	assert.Equal(t, 0, h.Subscribers())

	_, err := h.Poll(id, 0)
	assert.Error(t, err)
}

type recordingRemote struct {
	mu     sync.Mutex
	events []*project.Event
	closed bool
}

func (r *recordingRemote) Send(e *project.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestAttachForwardsToRemote(t *testing.T) {
	h := NewHub(nil, HubOptions{})
	id := h.Subscribe("ws-client", Filter{AggregateID: "proj-1"}, 0, nil)

	remote := &recordingRemote{}
	require.NoError(t, h.Attach(id, remote))
	assert.Error(t, h.Attach("nope", remote))

	h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go"}))
	h.Publish(fileEvent(t, project.EventFileCreated, "proj-2", 1, "agent-1",
		map[string]string{project.KeyPath: "/b.go"}))

	remote.mu.Lock()
	require.Len(t, remote.events, 1)
	assert.Equal(t, "proj-1", remote.events[0].AggregateID)
	remote.mu.Unlock()

	h.Unsubscribe(id)
	remote.mu.Lock()
	assert.True(t, remote.closed, "unsubscribe closes the attached remote")
	remote.mu.Unlock()
}

type fakeBridge struct {
	mu       sync.Mutex
	handlers []func([]byte)
}

func (b *fakeBridge) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *fakeBridge) Subscribe(_ context.Context, handler func([]byte)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Close() error { return nil }

func TestBridgeReplicatesWithoutEcho(t *testing.T) {
	bridge := &fakeBridge{}
	local := NewHub(nil, HubOptions{})
	peer := NewHub(nil, HubOptions{})
	require.NoError(t, local.AttachBridge(context.Background(), bridge))
	require.NoError(t, peer.AttachBridge(context.Background(), bridge))

	localSub := local.Subscribe("local-watcher", Filter{}, 0, nil)
	peerSub := peer.Subscribe("peer-watcher", Filter{}, 0, nil)

	local.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go"}))

	got, err := local.Poll(localSub, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "the publishing hub must not re-deliver its own bridge echo")

	got, err = peer.Poll(peerSub, 0)
	require.NoError(t, err)
	require.Len(t, got, 1, "the peer hub sees the replicated event")
	assert.Equal(t, "proj-1", got[0].AggregateID)
}

func TestWSRemoteSendNonBlocking(t *testing.T) {
	r := &wsRemote{
		send: make(chan *project.Event, 1),
		done: make(chan struct{}),
	}
	e := fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go"})

	require.NoError(t, r.Send(e))
	assert.Error(t, r.Send(e), "a full send buffer reports the client as slow")

	close(r.done)
	assert.Error(t, r.Send(e), "a closed remote rejects sends")
}

func TestHubStats(t *testing.T) {
	h := NewHub(nil, HubOptions{})
	h.Subscribe("watcher", Filter{}, 0, nil)
	h.Publish(fileEvent(t, project.EventFileCreated, "proj-1", 1, "agent-1",
		map[string]string{project.KeyPath: "/a.go"}))

	stats := h.Stats()
	assert.Equal(t, 1, stats["subscriptions"])
	assert.Equal(t, 1, stats["buffered_events"])
	assert.Equal(t, uint64(0), stats["dropped_events"])
	assert.Equal(t, false, stats["bridge_attached"])
}
