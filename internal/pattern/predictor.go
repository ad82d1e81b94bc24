package pattern

import (
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/forgegate/hub/internal/core"
)

// Prediction is one cached classifier verdict.
type Prediction struct {
	Decision   core.Decision
	Score      float64
	Confidence float64
	CreatedAt  time.Time
}

// predictionNode is a doubly-linked list node for the prediction LRU.
type predictionNode struct {
	key  uint64
	pred Prediction
	prev *predictionNode
	next *predictionNode
}

// Predictor runs feature extraction and classification behind a TTL'd
// prediction cache. Results above the confidence threshold become L3 answers;
// everything else defers to the expert path.
type Predictor struct {
	extractor  *Extractor
	classifier Classifier

	threshold float64
	ttl       time.Duration
	maxSize   int

	mu      sync.Mutex
	entries map[uint64]*predictionNode
	head    *predictionNode
	tail    *predictionNode

	hits   int64
	misses int64

	logger *log.Logger
}

// PredictorOptions tunes the predictor; zero values take defaults.
type PredictorOptions struct {
	ConfidenceThreshold float64
	PredictionTTL       time.Duration
	PredictionCapacity  int
}

func NewPredictor(extractor *Extractor, classifier Classifier, opts PredictorOptions) *Predictor {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.8
	}
	if opts.PredictionTTL <= 0 {
		opts.PredictionTTL = 10 * time.Minute
	}
	if opts.PredictionCapacity <= 0 {
		opts.PredictionCapacity = 1000
	}
	return &Predictor{
		extractor:  extractor,
		classifier: classifier,
		threshold:  opts.ConfidenceThreshold,
		ttl:        opts.PredictionTTL,
		maxSize:    opts.PredictionCapacity,
		entries:    make(map[uint64]*predictionNode, opts.PredictionCapacity),
		logger:     log.New(log.Writer(), "[Pattern] ", log.LstdFlags),
	}
}

// Predict classifies the request. The bool reports whether the prediction is
// confident enough to stand as the L3 answer; false means defer to expert.
func (p *Predictor) Predict(req *core.ValidationRequest) (*core.ValidationResult, bool) {
	key := predictionKey(req.ToolName, req.Fingerprint, req.AgentID)

	if pred, ok := p.cachedPrediction(key); ok {
		return p.toResult(pred), pred.Confidence >= p.threshold
	}

	features := p.extractor.Extract(req)
	decision, score, confidence := p.classifier.Classify(features)

	pred := Prediction{
		Decision:   decision,
		Score:      score,
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}
	p.storePrediction(key, pred)

	return p.toResult(pred), confidence >= p.threshold
}

// Train feeds an expert decision back into the classifier and drops the
// now-stale cached prediction for that request.
func (p *Predictor) Train(req *core.ValidationRequest, expert core.Decision) {
	features := p.extractor.Extract(req)
	p.classifier.Train(features, expert)

	key := predictionKey(req.ToolName, req.Fingerprint, req.AgentID)
	p.mu.Lock()
	if node, ok := p.entries[key]; ok {
		p.unlinkLocked(node)
		delete(p.entries, key)
	}
	p.mu.Unlock()
}

// CacheStats reports prediction cache behavior.
func (p *Predictor) CacheStats() (size int, hits, misses int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), p.hits, p.misses
}

func (p *Predictor) toResult(pred Prediction) *core.ValidationResult {
	result := &core.ValidationResult{
		Decision:   pred.Decision,
		Confidence: core.ConfidenceFromScore(pred.Confidence),
		Score:      pred.Score,
		Reason:     reasonFor(pred),
		Layer:      core.LayerPattern,
		RiskLevel:  riskFor(pred),
		Timestamp:  time.Now(),
	}
	if pred.Confidence < p.threshold {
		result.ExpertRequired = true
	}
	return result
}

func (p *Predictor) cachedPrediction(key uint64) (Prediction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.entries[key]
	if !ok {
		p.misses++
		return Prediction{}, false
	}
	if time.Since(node.pred.CreatedAt) > p.ttl {
		p.unlinkLocked(node)
		delete(p.entries, key)
		p.misses++
		return Prediction{}, false
	}
	p.moveToHeadLocked(node)
	p.hits++
	return node.pred, true
}

func (p *Predictor) storePrediction(key uint64, pred Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if node, ok := p.entries[key]; ok {
		node.pred = pred
		p.moveToHeadLocked(node)
		return
	}
	if len(p.entries) >= p.maxSize {
		if p.tail != nil {
			delete(p.entries, p.tail.key)
			p.unlinkLocked(p.tail)
		}
	}
	node := &predictionNode{key: key, pred: pred}
	p.entries[key] = node
	p.pushHeadLocked(node)
}

func (p *Predictor) moveToHeadLocked(n *predictionNode) {
	if p.head == n {
		return
	}
	p.unlinkLocked(n)
	p.pushHeadLocked(n)
}

func (p *Predictor) pushHeadLocked(n *predictionNode) {
	n.prev = nil
	n.next = p.head
	if p.head != nil {
		p.head.prev = n
	}
	p.head = n
	if p.tail == nil {
		p.tail = n
	}
}

func (p *Predictor) unlinkLocked(n *predictionNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		p.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		p.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

func predictionKey(tool, fingerprint, agentID string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(fingerprint)
	_, _ = h.Write([]byte{0})
	if len(agentID) > 8 {
		agentID = agentID[:8]
	}
	_, _ = h.WriteString(agentID)
	return h.Sum64()
}

func reasonFor(pred Prediction) string {
	switch pred.Decision {
	case core.DecisionApproved:
		return "pattern model scored the request safe"
	case core.DecisionBlocked:
		return "pattern model scored the request dangerous"
	default:
		return "pattern model is uncertain"
	}
}

func riskFor(pred Prediction) core.RiskLevel {
	switch {
	case pred.Score < blockThreshold*2:
		return core.RiskCritical
	case pred.Score < blockThreshold:
		return core.RiskHigh
	case pred.Score > approveThreshold:
		return core.RiskLow
	default:
		return core.RiskMedium
	}
}
