// Package monitor bridges validation decisions to dashboard clients
// over socket.io. The bridge is read-only: dashboards observe verdicts,
// they never steer the pipeline.
package monitor

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	socketio "github.com/googollee/go-socket.io"

	"github.com/forgegate/hub/internal/core"
)

// EventDecision is the socket.io event name dashboards listen on.
const EventDecision = "decision_event"

// Bridge broadcasts every validation verdict to connected dashboards.
// It plugs into the validation service as its decision sink.
type Bridge struct {
	server    *socketio.Server
	connected atomic.Int64
	broadcast atomic.Uint64
}

// NewBridge starts the socket.io server loop. Mount Handler under
// /socket.io/ and call Close on shutdown.
func NewBridge() *Bridge {
	b := &Bridge{server: socketio.NewServer(nil)}

	b.server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		slog.Info("dashboard connected", "conn_id", s.ID(), "connected", b.connected.Add(1))
		return nil
	})
	b.server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		b.connected.Add(-1)
		slog.Info("dashboard disconnected", "conn_id", s.ID(), "reason", reason)
	})
	b.server.OnError("/", func(s socketio.Conn, err error) {
		slog.Warn("socket.io error", "error", err)
	})

	go func() {
		if err := b.server.Serve(); err != nil {
			slog.Warn("socket.io serve stopped", "error", err)
		}
	}()
	return b
}

// Handler serves the socket.io endpoint.
func (b *Bridge) Handler() http.Handler { return b.server }

// DecisionEvent broadcasts one verdict. The payload keys mirror the
// validation_responses pipe frame so dashboards parse a single shape
// no matter which surface they read.
func (b *Bridge) DecisionEvent(projectID string, req *core.ValidationRequest, res *core.ValidationResult) {
	b.server.BroadcastToNamespace("/", EventDecision, map[string]interface{}{
		"project_id":    projectID,
		"fingerprint":   req.Fingerprint,
		"tool":          req.ToolName,
		"agent_id":      req.AgentID,
		"session_id":    req.SessionID,
		"decision":      string(res.Decision),
		"confidence":    string(res.Confidence),
		"score":         res.Score,
		"reason":        res.Reason,
		"layer":         res.Layer,
		"risk_level":    string(res.RiskLevel),
		"processing_ms": res.ProcessingMs,
		"cache_hit":     res.CacheHit,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	b.broadcast.Add(1)
}

// Stats reports bridge counters for the debug surface.
func (b *Bridge) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected": b.connected.Load(),
		"broadcast": b.broadcast.Load(),
	}
}

// Close stops the socket.io loop and drops every dashboard.
func (b *Bridge) Close() error {
	return b.server.Close()
}
