package cache

import (
	"fmt"
	"testing"
)

func TestScalableBloom_NoFalseNegatives(t *testing.T) {
	b := NewScalableBloom(1000, 0.01)

	for i := 0; i < 5000; i++ { // well past initial capacity, forces layering
		b.Add(fmt.Sprintf("fingerprint-%d", i))
	}
	for i := 0; i < 5000; i++ {
		if !b.MightContain(fmt.Sprintf("fingerprint-%d", i)) {
			t.Fatalf("false negative for added key %d", i)
		}
	}
}

func TestScalableBloom_FalsePositiveRate(t *testing.T) {
	b := NewScalableBloom(10000, 0.01)

	for i := 0; i < 10000; i++ {
		b.Add(fmt.Sprintf("member-%d", i))
	}

	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if b.MightContain(fmt.Sprintf("outsider-%d", i)) {
			fp++
		}
	}

	// Target 1%; allow generous slack for hash variance
	if rate := float64(fp) / probes; rate > 0.03 {
		t.Errorf("false positive rate = %.4f, want <= 0.03", rate)
	}
}

func TestScalableBloom_Reset(t *testing.T) {
	b := NewScalableBloom(100, 0.01)
	b.Add("gone")
	b.Reset()

	if b.MightContain("gone") {
		t.Error("key reported present after Reset")
	}
	if len(b.layers) != 1 {
		t.Errorf("layers = %d after Reset, want 1", len(b.layers))
	}
}
