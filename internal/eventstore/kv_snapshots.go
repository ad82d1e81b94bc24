package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KV is the minimal remote key-value surface the snapshot cache needs. The
// Redis adapter in internal/infra implements it; tests use an in-memory fake.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

const defaultSnapshotPrefix = "forgegate:snapshot:"

// KVSnapshotStore keeps the newest snapshot per aggregate in a remote KV
// (Redis SET with TTL). Targets older than the stored snapshot miss and fall
// back to a full replay from sequence one, so losing a key only costs time.
type KVSnapshotStore struct {
	kv     KV
	prefix string
	ttl    time.Duration
}

var _ SnapshotStore = (*KVSnapshotStore)(nil)

// NewKVSnapshotStore wraps a KV. An empty prefix selects the default; a zero
// ttl stores without expiry.
func NewKVSnapshotStore(kv KV, prefix string, ttl time.Duration) *KVSnapshotStore {
	if prefix == "" {
		prefix = defaultSnapshotPrefix
	}
	return &KVSnapshotStore{kv: kv, prefix: prefix, ttl: ttl}
}

// Save stores the snapshot unless a newer one is already present. Two
// instances racing here is benign; this is a cache over the event log.
func (s *KVSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("snapshot must carry state")
	}
	key := s.prefix + snap.AggregateID
	if buf, ok, err := s.kv.Get(ctx, key); err != nil {
		return err
	} else if ok {
		var stored Snapshot
		if err := json.Unmarshal(buf, &stored); err == nil && stored.TakenAt.After(snap.TakenAt) {
			return nil
		}
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.kv.Set(ctx, key, buf, s.ttl)
}

// Latest returns the stored snapshot when taken at or before the given time.
func (s *KVSnapshotStore) Latest(ctx context.Context, aggregateID string, at time.Time) (*Snapshot, error) {
	buf, ok, err := s.kv.Get(ctx, s.prefix+aggregateID)
	if err != nil || !ok {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.TakenAt.After(at) {
		return nil, nil
	}
	return &snap, nil
}

// Close is a no-op; the KV adapter owns its connection.
func (s *KVSnapshotStore) Close() error { return nil }
