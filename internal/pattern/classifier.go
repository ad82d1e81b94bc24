package pattern

import (
	"math"
	"sync"

	"github.com/forgegate/hub/internal/core"
)

// Decision thresholds for the weighted-sum model.
const (
	approveThreshold = 1.5
	blockThreshold   = -1.5
	confidenceCap    = 0.9
)

// Classifier scores a feature vector. Implementations must be deterministic
// between training updates.
type Classifier interface {
	Classify(f Features) (core.Decision, float64, float64) // decision, score, confidence
	Train(f Features, expert core.Decision)
}

// weights mirror the Features fields. Positive pushes toward approval.
type weights struct {
	isSafeTool        float64
	isBash            float64
	isFileOp          float64
	dangerousKeywords float64
	safeKeywords      float64
	keywordRatio      float64
	systemPath        float64
	shellChars        float64
	commandLength     float64
	trustedAgent      float64
	anonAgent         float64
	bias              float64
}

func defaultWeights() weights {
	return weights{
		isSafeTool:        2.0,
		isBash:            -0.5,
		isFileOp:          -0.2,
		dangerousKeywords: -1.2,
		safeKeywords:      0.4,
		keywordRatio:      -1.5,
		systemPath:        -1.0,
		shellChars:        -0.3,
		commandLength:     -0.4,
		trustedAgent:      0.5,
		anonAgent:         -0.5,
		bias:              0.3,
	}
}

// WeightedClassifier is the deterministic fallback model: a fixed-form
// weighted sum with thresholded decisions. The learning hook nudges weights
// perceptron-style from expert outcomes; the pipeline stays correct if Train
// is never called.
type WeightedClassifier struct {
	mu sync.RWMutex
	w  weights

	learningRate float64
	trainCount   int64
}

func NewWeightedClassifier() *WeightedClassifier {
	return &WeightedClassifier{
		w:            defaultWeights(),
		learningRate: 0.05,
	}
}

// Classify computes score and decision. Confidence grows with |score| and
// saturates at 0.9, so this model alone never reaches the High bucket.
func (c *WeightedClassifier) Classify(f Features) (core.Decision, float64, float64) {
	c.mu.RLock()
	w := c.w
	c.mu.RUnlock()

	score := w.bias +
		w.isSafeTool*f.IsSafeTool +
		w.isBash*f.IsBash +
		w.isFileOp*f.IsFileOp +
		w.dangerousKeywords*f.DangerousKeywords +
		w.safeKeywords*f.SafeKeywords +
		w.keywordRatio*f.KeywordRatio +
		w.systemPath*f.SystemPath +
		w.shellChars*f.ShellChars +
		w.commandLength*f.CommandLength +
		w.trustedAgent*f.TrustedAgent +
		w.anonAgent*f.AnonAgent

	var decision core.Decision
	switch {
	case score > approveThreshold:
		decision = core.DecisionApproved
	case score < blockThreshold:
		decision = core.DecisionBlocked
	default:
		decision = core.DecisionEscalate
	}

	confidence := 0.5 + math.Abs(score)/6.0
	if confidence > confidenceCap {
		confidence = confidenceCap
	}

	return decision, score, confidence
}

// Train nudges the weights toward the expert's decision. Approved targets a
// positive score, Blocked a negative one; Escalate and Uncertain teach
// nothing.
func (c *WeightedClassifier) Train(f Features, expert core.Decision) {
	var target float64
	switch expert {
	case core.DecisionApproved:
		target = approveThreshold + 0.5
	case core.DecisionBlocked:
		target = blockThreshold - 0.5
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	score := c.scoreLocked(f)
	err := target - score
	// Skip updates when the model already lands on the right side
	if (target > 0 && score > approveThreshold) || (target < 0 && score < blockThreshold) {
		return
	}

	lr := c.learningRate
	c.w.isSafeTool += lr * err * f.IsSafeTool
	c.w.isBash += lr * err * f.IsBash
	c.w.isFileOp += lr * err * f.IsFileOp
	c.w.dangerousKeywords += lr * err * f.DangerousKeywords
	c.w.safeKeywords += lr * err * f.SafeKeywords
	c.w.keywordRatio += lr * err * f.KeywordRatio
	c.w.systemPath += lr * err * f.SystemPath
	c.w.shellChars += lr * err * f.ShellChars
	c.w.commandLength += lr * err * f.CommandLength
	c.w.trustedAgent += lr * err * f.TrustedAgent
	c.w.anonAgent += lr * err * f.AnonAgent
	c.w.bias += lr * err
	c.trainCount++
}

// TrainCount reports how many expert examples adjusted the model.
func (c *WeightedClassifier) TrainCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trainCount
}

func (c *WeightedClassifier) scoreLocked(f Features) float64 {
	w := c.w
	return w.bias +
		w.isSafeTool*f.IsSafeTool +
		w.isBash*f.IsBash +
		w.isFileOp*f.IsFileOp +
		w.dangerousKeywords*f.DangerousKeywords +
		w.safeKeywords*f.SafeKeywords +
		w.keywordRatio*f.KeywordRatio +
		w.systemPath*f.SystemPath +
		w.shellChars*f.ShellChars +
		w.commandLength*f.CommandLength +
		w.trustedAgent*f.TrustedAgent +
		w.anonAgent*f.AnonAgent
}

var _ Classifier = (*WeightedClassifier)(nil)
