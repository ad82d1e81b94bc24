package stream

import (
	"context"
	"encoding/json"

	"github.com/forgegate/hub/internal/project"
)

// Bridge replicates published events between hub instances. Implementations
// wrap a shared transport (Redis pub/sub, GCP Pub/Sub); payloads are opaque
// to them.
type Bridge interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func(payload []byte)) error
	Close() error
}

// bridgeEnvelope tags replicated events with the publishing instance so a
// hub can skip its own echoes.
type bridgeEnvelope struct {
	Origin string         `json:"origin"`
	Event  *project.Event `json:"event"`
}

// AttachBridge wires the hub into a shared transport. Events published on
// any instance reach local subscribers of every instance exactly once; the
// origin tag prevents re-delivery loops.
func (h *Hub) AttachBridge(ctx context.Context, b Bridge) error {
	err := b.Subscribe(ctx, func(payload []byte) {
		var env bridgeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Printf("bridge decode: %v", err)
			return
		}
		if env.Origin == h.instanceID || env.Event == nil {
			return
		}
		h.fanout(env.Event)
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
	return nil
}
