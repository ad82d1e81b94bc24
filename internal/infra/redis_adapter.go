// Package infra holds adapters for optional external infrastructure.
// Every surface here has an in-memory fallback, so the hub runs whole
// without any of it; the daemon decides at startup what to wire.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/stream"
)

const defaultBridgeChannel = "forgegate:events"

// GoRedisAdapter wraps go-redis v9 behind the two surfaces the hub
// consumes: the snapshot key-value cache (eventstore.KV) and the
// cross-instance stream bridge via Bridge().
type GoRedisAdapter struct {
	rdb *redis.Client
}

var _ eventstore.KV = (*GoRedisAdapter)(nil)

// NewGoRedisAdapter connects and verifies the connection. The caller
// decides whether a failure means fallback or abort.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying client and every subscription on it.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// Set stores a value with a TTL; zero ttl stores without expiry.
func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value and whether the key exists. A missing key is
// not an error; the snapshot cache treats it as a miss.
func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Bridge returns a stream bridge bound to one pub/sub channel. Hubs on
// every instance attach to the same channel name.
func (a *GoRedisAdapter) Bridge(channel string) *RedisBridge {
	if channel == "" {
		channel = defaultBridgeChannel
	}
	return &RedisBridge{rdb: a.rdb, channel: channel}
}

// RedisBridge replicates hub events over one Redis pub/sub channel.
type RedisBridge struct {
	rdb     *redis.Client
	channel string

	mu   sync.Mutex
	subs []*redis.PubSub
}

var _ stream.Bridge = (*RedisBridge)(nil)

// Publish sends the payload to every instance subscribed to the channel,
// including this one; the hub's origin tag filters the echo.
func (b *RedisBridge) Publish(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe registers the handler and returns once the subscription is
// confirmed. Messages are dispatched from a dedicated goroutine until
// Close.
func (b *RedisBridge) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close tears down the bridge's subscriptions. The shared client stays
// open; the adapter owns it.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.subs = nil
	return first
}
