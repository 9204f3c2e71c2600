// Package vecmath holds the small amount of vector arithmetic memlens needs:
// cosine similarity, L2 normalization and dimension adaptation.
package vecmath

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Cosine returns the cosine similarity of a and b in [-1, 1].
// Mismatched lengths or zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := math.Sqrt(float64(vek32.Dot(a, a)))
	nb := math.Sqrt(float64(vek32.Dot(b, b)))
	if na == 0 || nb == 0 {
		return 0
	}
	sim := float64(vek32.Dot(a, b)) / (na * nb)
	return math.Max(-1, math.Min(1, sim))
}

// ToUnit maps a cosine similarity from [-1, 1] to [0, 1].
func ToUnit(sim float64) float64 {
	return math.Max(0, math.Min(1, (sim+1)/2))
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	n := math.Sqrt(float64(vek32.Dot(v, v)))
	if n == 0 {
		return v
	}
	vek32.MulNumber_Inplace(v, float32(1/n))
	return v
}

// Adapt truncates or zero-pads v to dims and re-normalizes it.
// dims <= 0 returns v unchanged.
func Adapt(v []float32, dims int) []float32 {
	if dims <= 0 || len(v) == dims {
		return v
	}
	out := make([]float32, dims)
	copy(out, v)
	return Normalize(out)
}
