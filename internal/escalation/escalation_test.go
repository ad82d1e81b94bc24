package escalation

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&Subscription{Events: []EventType{EventQueued}})
	assert.Error(t, err, "URL is required")

	err = reg.Register(&Subscription{URL: "https://hooks.example.com/escalations"})
	assert.Error(t, err, "at least one event type is required")

	sub := &Subscription{
		URL:    "https://hooks.example.com/escalations",
		Events: []EventType{EventQueued, EventTimeout},
	}
	require.NoError(t, reg.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)

	assert.Len(t, reg.Subscribers(EventQueued), 1)
	assert.Len(t, reg.Subscribers(EventTimeout), 1)
	assert.Empty(t, reg.Subscribers(EventResolved))
	assert.Len(t, reg.ListAll(), 1)
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry()
	sub := &Subscription{URL: "https://hooks.example.com/x", Events: []EventType{EventResolved}}
	require.NoError(t, reg.Register(sub))

	require.NoError(t, reg.Unregister(sub.ID))
	assert.Empty(t, reg.Subscribers(EventResolved))
	assert.Empty(t, reg.ListAll())

	assert.Error(t, reg.Unregister(sub.ID))
}

func TestMarkFailedDisablesAfterTen(t *testing.T) {
	reg := NewRegistry()
	sub := &Subscription{URL: "https://hooks.example.com/x", Events: []EventType{EventQueued}}
	require.NoError(t, reg.Register(sub))

	for i := 0; i < 9; i++ {
		reg.MarkFailed(sub.ID)
	}
	assert.Len(t, reg.Subscribers(EventQueued), 1)

	// A success resets the streak.
	reg.MarkDelivered(sub.ID)
	for i := 0; i < 9; i++ {
		reg.MarkFailed(sub.ID)
	}
	assert.Len(t, reg.Subscribers(EventQueued), 1)

	reg.MarkFailed(sub.ID)
	assert.Empty(t, reg.Subscribers(EventQueued))
}

// RFC 4231 test case 1.
func TestSignPayload(t *testing.T) {
	key := string(bytes.Repeat([]byte{0x0b}, 20))
	sig := SignPayload([]byte("Hi There"), key)
	assert.Equal(t, "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7", sig)
}

type capturedDelivery struct {
	header http.Header
	body   []byte
}

func TestNotifierDeliversSignedEvent(t *testing.T) {
	got := make(chan capturedDelivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- capturedDelivery{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventQueued}, Secret: "hook-secret"}
	require.NoError(t, reg.Register(sub))

	n := NewNotifier(reg, 2)
	n.Emit(EventQueued, "proj-1", map[string]interface{}{
		"escalation_id": "esc-1",
		"tool":          "Bash",
	})

	var d capturedDelivery
	select {
	case d = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never arrived")
	}
	n.Shutdown()

	assert.Equal(t, string(EventQueued), d.header.Get("X-Forgegate-Event-Type"))
	assert.Equal(t, "1", d.header.Get("X-Forgegate-Delivery-Attempt"))
	assert.NotEmpty(t, d.header.Get("X-Forgegate-Event-ID"))
	assert.Equal(t, "sha256="+SignPayload(d.body, "hook-secret"), d.header.Get("X-Forgegate-Signature"))

	var evt Event
	require.NoError(t, json.Unmarshal(d.body, &evt))
	assert.Equal(t, EventQueued, evt.Type)
	assert.Equal(t, "proj-1", evt.ProjectID)
	assert.Equal(t, "esc-1", evt.Data["escalation_id"])
	assert.Equal(t, "/api/v1/escalations", evt.Source)

	assert.Equal(t, 0, reg.ListAll()[0].FailCount)
}

func TestNotifierProjectFilter(t *testing.T) {
	var hits atomic.Int64
	delivered := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		delivered <- struct{}{}
	}))
	defer srv.Close()

	reg := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventResolved}, ProjectID: "proj-a"}
	require.NoError(t, reg.Register(sub))

	n := NewNotifier(reg, 1)
	n.Emit(EventResolved, "proj-b", nil)
	n.Emit(EventResolved, "proj-a", nil)

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("scoped delivery never arrived")
	}
	n.Shutdown()

	assert.Equal(t, int64(1), hits.Load())
}

func TestNotifierCountsErrorStatus(t *testing.T) {
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventTimeout}}
	require.NoError(t, reg.Register(sub))

	n := NewNotifier(reg, 1)
	n.Emit(EventTimeout, "proj-1", map[string]interface{}{"escalation_id": "esc-9"})

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never arrived")
	}
	n.Shutdown()

	got := reg.ListAll()[0]
	assert.Equal(t, 1, got.FailCount)
	assert.True(t, got.Active)
}
