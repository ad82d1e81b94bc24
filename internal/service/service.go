// Package service composes the speed-layer dispatcher, the project
// aggregate, the decision ledger and the stream surfaces into the hub's
// validation workflow: every request becomes an aggregate event pair, a
// sealed ledger record, pipe frames for attached agents, and optional
// escalation webhooks and dashboard broadcasts.
package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/forgegate/hub/internal/audit"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
	"github.com/forgegate/hub/internal/escalation"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/stream"
)

// Pipe names the service feeds. They match the streams/ section of the
// filesystem surface.
const (
	PipeValidationRequests  = "validation_requests"
	PipeValidationResponses = "validation_responses"
	PipePairSessions        = "pair_sessions"
	PipeFileChanges         = "file_changes"
	PipeAgentActivities     = "agent_activities"
)

// DecisionSink receives every decision for read-only broadcast surfaces
// such as the dashboard monitor.
type DecisionSink interface {
	DecisionEvent(projectID string, req *core.ValidationRequest, res *core.ValidationResult)
}

// FanoutSink broadcasts each decision to every attached sink, in order.
type FanoutSink []DecisionSink

func (f FanoutSink) DecisionEvent(projectID string, req *core.ValidationRequest, res *core.ValidationResult) {
	for _, s := range f {
		s.DecisionEvent(projectID, req, res)
	}
}

// Options configures the service.
type Options struct {
	ProjectID string // aggregate the hub coordinates, default "default"
}

// ValidationService is the coordination seam between the decision
// pipeline and everything that observes it. Attach* wiring happens
// before traffic; the handlers themselves are safe for concurrent use.
type ValidationService struct {
	dispatcher *dispatcher.Dispatcher
	projects   *project.Manager
	ledger     *audit.Ledger

	hub      *stream.Hub
	pipes    *stream.PipeSet
	notifier escalation.Emitter
	monitor  DecisionSink

	projectID string
	logger    *log.Logger
}

// New wires the service and installs the escalation lifecycle hook on
// the dispatcher's expert queue.
func New(d *dispatcher.Dispatcher, projects *project.Manager, ledger *audit.Ledger, opts Options) *ValidationService {
	if opts.ProjectID == "" {
		opts.ProjectID = "default"
	}
	s := &ValidationService{
		dispatcher: d,
		projects:   projects,
		ledger:     ledger,
		projectID:  opts.ProjectID,
		logger:     log.New(log.Writer(), "[Service] ", log.LstdFlags),
	}
	d.Experts().SetLifecycleHook(s.onEscalation)
	return s
}

// AttachStreams connects the event hub and the named pipes. Aggregate
// events published by the project manager fan out to both.
func (s *ValidationService) AttachStreams(hub *stream.Hub, pipes *stream.PipeSet) {
	s.hub = hub
	s.pipes = pipes
	s.projects.SetPublisher(s.publishEvent)
}

// AttachNotifier connects escalation lifecycle webhooks.
func (s *ValidationService) AttachNotifier(em escalation.Emitter) {
	s.notifier = em
}

// AttachMonitor connects the dashboard broadcast sink.
func (s *ValidationService) AttachMonitor(sink DecisionSink) {
	s.monitor = sink
}

// Validate runs one request through the pipeline and records everything
// around it. It never returns an error: failures inside the recording
// surfaces are logged, the decision still stands. The returned id keys
// the aggregate events, the ledger records and any escalation.
func (s *ValidationService) Validate(ctx context.Context, req *core.ValidationRequest) (*core.ValidationResult, string) {
	requestID := uuid.NewString()
	ctx = dispatcher.WithRequestID(ctx, requestID)

	if _, err := s.projects.RecordValidationRequest(ctx, s.projectID, requestID, req.ToolName, req.ToolInput, req.AgentID, req.SessionID); err != nil {
		s.logger.Printf("record validation request %s: %v", requestID, err)
	}
	s.pipeWrite(PipeValidationRequests, map[string]interface{}{
		"request_id":  requestID,
		"fingerprint": req.Fingerprint,
		"tool":        req.ToolName,
		"agent_id":    req.AgentID,
		"session_id":  req.SessionID,
		"timestamp":   req.Timestamp.Format(time.RFC3339Nano),
	})

	res := s.dispatcher.Validate(ctx, req)

	if _, err := s.projects.RecordValidationDecision(ctx, s.projectID, requestID, string(res.Decision), res.Reason, res.Layer, req.SessionID); err != nil {
		s.logger.Printf("record validation decision %s: %v", requestID, err)
	}

	// Expert outcomes are sealed by the lifecycle hook as an
	// escalate/resolve pair; everything else is one record here.
	if res.Layer != core.LayerExpert {
		s.ledger.Record(s.projectID, requestID, req, res)
	}

	s.pipeWrite(PipeValidationResponses, map[string]interface{}{
		"request_id":    requestID,
		"decision":      res.Decision,
		"confidence":    res.Confidence,
		"score":         res.Score,
		"reason":        res.Reason,
		"layer":         res.Layer,
		"risk_level":    res.RiskLevel,
		"processing_ms": res.ProcessingMs,
		"cache_hit":     res.CacheHit,
		"timestamp":     res.Timestamp.Format(time.RFC3339Nano),
	})

	if s.monitor != nil {
		s.monitor.DecisionEvent(s.projectID, req, res)
	}
	return res, requestID
}

// onEscalation seals the escalate/resolve record pair and fires the
// lifecycle webhooks. The escalation id is the request id, so all three
// surfaces correlate.
func (s *ValidationService) onEscalation(kind string, esc *dispatcher.Escalation, res *core.ValidationResult, validatorID string) {
	switch kind {
	case dispatcher.HookQueued:
		s.ledger.Record(s.projectID, esc.ID, esc.Request, escalateResult(esc))
		s.emit(escalation.EventQueued, map[string]interface{}{
			"escalation_id": esc.ID,
			"tool":          esc.Request.ToolName,
			"agent_id":      esc.Request.AgentID,
			"command":       esc.Request.Command(),
			"enqueued_at":   esc.EnqueuedAt.Format(time.RFC3339Nano),
		})
	case dispatcher.HookResolved:
		s.ledger.RecordExpert(s.projectID, esc.ID, validatorID, esc.Request, res)
		s.emit(escalation.EventResolved, map[string]interface{}{
			"escalation_id": esc.ID,
			"decision":      res.Decision,
			"reason":        res.Reason,
			"validator_id":  validatorID,
		})
	case dispatcher.HookTimeout:
		s.emit(escalation.EventTimeout, map[string]interface{}{
			"escalation_id":  esc.ID,
			"tool":           esc.Request.ToolName,
			"agent_id":       esc.Request.AgentID,
			"waited_seconds": time.Since(esc.EnqueuedAt).Seconds(),
		})
	}
}

// escalateResult is the chain entry for the decision to escalate. The
// classifier hint contributes its score so reports show what the
// machine thought before the handoff.
func escalateResult(esc *dispatcher.Escalation) *core.ValidationResult {
	rec := &core.ValidationResult{
		Decision:   core.DecisionEscalate,
		Confidence: core.ConfidenceLow,
		Reason:     "queued for expert review",
		Layer:      core.LayerExpert,
		RiskLevel:  core.RiskMedium,
		Timestamp:  time.Now(),
	}
	if hint := esc.Hint; hint != nil {
		rec.Score = hint.Score
		rec.Confidence = hint.Confidence
		if hint.Reason != "" {
			rec.Reason = hint.Reason
		}
	}
	return rec
}

// ResolveEscalation delivers an expert decision to the waiting request.
func (s *ValidationService) ResolveEscalation(id string, decision core.Decision, reason, validatorID string) error {
	return s.dispatcher.Experts().Resolve(id, decision, reason, validatorID)
}

// PendingEscalations lists requests awaiting an expert, oldest first.
func (s *ValidationService) PendingEscalations() []*dispatcher.Escalation {
	return s.dispatcher.Experts().Pending()
}

// publishEvent fans one aggregate event to the hub and the pipes.
// Validation events skip the pipes: Validate writes richer frames.
func (s *ValidationService) publishEvent(ev *project.Event) {
	if s.hub != nil {
		s.hub.Publish(ev)
	}
	if s.pipes == nil {
		return
	}

	switch ev.Type {
	case project.EventValidationAsked, project.EventValidationMade:
	case project.EventSessionStarted, project.EventSessionEnded:
		s.pipeWrite(PipePairSessions, map[string]interface{}{
			"event":      ev.Type,
			"session_id": ev.SessionID(),
			"agent_id":   ev.AgentID,
			"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
		})
	default:
		s.pipeWrite(PipeFileChanges, map[string]interface{}{
			"event":     ev.Type,
			"path":      ev.Path(),
			"agent_id":  ev.AgentID,
			"sequence":  ev.Sequence,
			"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		})
	}

	s.pipeWrite(PipeAgentActivities, map[string]interface{}{
		"event":        ev.Type,
		"agent_id":     ev.AgentID,
		"aggregate_id": ev.AggregateID,
		"sequence":     ev.Sequence,
		"timestamp":    ev.Timestamp.Format(time.RFC3339Nano),
	})
}

func (s *ValidationService) pipeWrite(name string, frame map[string]interface{}) {
	if s.pipes == nil {
		return
	}
	if err := s.pipes.Get(name).Write(frame); err != nil {
		s.logger.Printf("pipe %s write: %v", name, err)
	}
}

func (s *ValidationService) emit(eventType escalation.EventType, data map[string]interface{}) {
	if s.notifier != nil {
		s.notifier.Emit(eventType, s.projectID, data)
	}
}

// ProjectID reports the aggregate this hub coordinates.
func (s *ValidationService) ProjectID() string { return s.projectID }

// Dispatcher exposes the pipeline for stats and health surfaces.
func (s *ValidationService) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

// Ledger exposes the decision ledger for reports and validation.
func (s *ValidationService) Ledger() *audit.Ledger { return s.ledger }

// Manager exposes the project aggregate commands.
func (s *ValidationService) Manager() *project.Manager { return s.projects }
