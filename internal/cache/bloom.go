// Package cache implements the first validation layer: a bounded in-memory
// decision cache with hot-entry protection and a Bloom-filtered negative path.
package cache

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// bloomLayer is one fixed-size filter slice. Layers never shrink; a scalable
// filter adds layers as it fills.
type bloomLayer struct {
	bits     []uint64
	numBits  uint64
	numHash  uint64
	count    uint64
	capacity uint64
}

func newBloomLayer(capacity uint64, fpRate float64) *bloomLayer {
	// m = -n*ln(p)/(ln2)^2, k = m/n*ln2
	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(capacity) * math.Log(fpRate) / (ln2 * ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / float64(capacity) * ln2))
	if k < 1 {
		k = 1
	}
	return &bloomLayer{
		bits:     make([]uint64, (m+63)/64),
		numBits:  m,
		numHash:  k,
		capacity: capacity,
	}
}

func (l *bloomLayer) add(h1, h2 uint64) {
	for i := uint64(0); i < l.numHash; i++ {
		pos := (h1 + i*h2) % l.numBits
		l.bits[pos/64] |= 1 << (pos % 64)
	}
	l.count++
}

func (l *bloomLayer) contains(h1, h2 uint64) bool {
	for i := uint64(0); i < l.numHash; i++ {
		pos := (h1 + i*h2) % l.numBits
		if l.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// ScalableBloom is a layered Bloom filter. When the newest layer reaches its
// capacity a larger one is appended, so the filter never saturates and never
// produces a false negative for an added key. Callers synchronize externally.
type ScalableBloom struct {
	layers []*bloomLayer
	fpRate float64
}

// NewScalableBloom sizes the first layer for the expected element count at the
// target false-positive rate.
func NewScalableBloom(expected uint64, fpRate float64) *ScalableBloom {
	if expected == 0 {
		expected = 1024
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &ScalableBloom{
		layers: []*bloomLayer{newBloomLayer(expected, fpRate)},
		fpRate: fpRate,
	}
}

func (b *ScalableBloom) hashPair(key string) (uint64, uint64) {
	h1 := xxhash.Sum64String(key)
	// Second independent hash from a salted digest
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.Write([]byte{0x5b})
	h2 := h.Sum64()
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}

// Add inserts the key into the newest layer, growing the filter if full.
func (b *ScalableBloom) Add(key string) {
	h1, h2 := b.hashPair(key)
	top := b.layers[len(b.layers)-1]
	if top.count >= top.capacity {
		// Each new layer doubles capacity and halves the per-layer FP rate so
		// the compound rate stays near the target.
		top = newBloomLayer(top.capacity*2, b.fpRate/float64(uint64(1)<<uint(len(b.layers))))
		b.layers = append(b.layers, top)
	}
	top.add(h1, h2)
}

// MightContain reports whether key could have been added. False means
// definitely absent.
func (b *ScalableBloom) MightContain(key string) bool {
	h1, h2 := b.hashPair(key)
	for _, l := range b.layers {
		if l.contains(h1, h2) {
			return true
		}
	}
	return false
}

// Reset discards all layers and starts over at the original sizing.
func (b *ScalableBloom) Reset() {
	first := b.layers[0]
	b.layers = []*bloomLayer{newBloomLayer(first.capacity, b.fpRate)}
}
