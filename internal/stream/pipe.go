package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/forgegate/hub/internal/metrics"
)

const defaultPipeCapacity = 1000

// NamedPipe is a bounded FIFO of JSON messages. Unlike subscription
// buffers, a full pipe rejects the incoming message rather than evicting
// old ones: readers that fall behind see a consistent prefix of the
// message history.
type NamedPipe struct {
	name     string
	capacity int
	logger   *log.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	queue   [][]byte
	dropped uint64
}

// NewNamedPipe builds a pipe. capacity <= 0 takes the default; m may be nil.
func NewNamedPipe(name string, capacity int, m *metrics.Metrics) *NamedPipe {
	if capacity <= 0 {
		capacity = defaultPipeCapacity
	}
	return &NamedPipe{
		name:     name,
		capacity: capacity,
		logger:   log.New(log.Writer(), "[NamedPipe] ", log.LstdFlags),
		metrics:  m,
	}
}

// Write marshals v and enqueues it. A full pipe drops the new message with
// a warning; only marshal failures surface as errors.
func (p *NamedPipe) Write(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for pipe %s: %w", p.name, err)
	}
	p.enqueue(payload)
	return nil
}

// WriteRaw enqueues an already-encoded JSON message. Invalid JSON is
// rejected; overflow behaves as in Write.
func (p *NamedPipe) WriteRaw(payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("pipe %s accepts only JSON messages", p.name)
	}
	p.enqueue(append([]byte(nil), payload...))
	return nil
}

func (p *NamedPipe) enqueue(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= p.capacity {
		p.dropped++
		p.logger.Printf("pipe %s full (%d messages), dropping newest", p.name, p.capacity)
		if p.metrics != nil {
			p.metrics.RecordStreamDrop("pipe:"+p.name, "full")
		}
		return
	}
	p.queue = append(p.queue, payload)
}

// Read pops the oldest message. ok is false when the pipe is empty.
func (p *NamedPipe) Read() (payload []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	payload = p.queue[0]
	p.queue = append(p.queue[:0], p.queue[1:]...)
	return payload, true
}

// ReadAll drains every queued message, oldest first.
func (p *NamedPipe) ReadAll() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queue
	p.queue = nil
	return out
}

// Name returns the pipe's name.
func (p *NamedPipe) Name() string { return p.name }

// Len returns the number of queued messages.
func (p *NamedPipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns how many writes were rejected by a full pipe.
func (p *NamedPipe) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// PipeSet is a lazy registry of named pipes, one per stream file exposed
// through the filesystem surface.
type PipeSet struct {
	mu       sync.Mutex
	pipes    map[string]*NamedPipe
	capacity int
	metrics  *metrics.Metrics
}

// NewPipeSet builds a registry. capacity applies to pipes it creates.
func NewPipeSet(capacity int, m *metrics.Metrics) *PipeSet {
	return &PipeSet{
		pipes:    make(map[string]*NamedPipe),
		capacity: capacity,
		metrics:  m,
	}
}

// Get returns the named pipe, creating it on first use.
func (ps *PipeSet) Get(name string) *NamedPipe {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.pipes[name]
	if !ok {
		p = NewNamedPipe(name, ps.capacity, ps.metrics)
		ps.pipes[name] = p
	}
	return p
}

// List returns the existing pipe names, sorted.
func (ps *PipeSet) List() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	names := make([]string, 0, len(ps.pipes))
	for name := range ps.pipes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
