package vecmath

import (
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"length_mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero_vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToUnit(t *testing.T) {
	if ToUnit(-1) != 0 || ToUnit(1) != 1 || ToUnit(0) != 0.5 {
		t.Errorf("ToUnit endpoints wrong: %v %v %v", ToUnit(-1), ToUnit(0), ToUnit(1))
	}
}

func TestAdapt(t *testing.T) {
	v := []float32{3, 4, 0, 0}
	got := Adapt(v, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if math.Abs(float64(got[0])-0.6) > 1e-6 || math.Abs(float64(got[1])-0.8) > 1e-6 {
		t.Errorf("Adapt truncate = %v, want [0.6 0.8]", got)
	}

	padded := Adapt([]float32{1, 0}, 4)
	if len(padded) != 4 || padded[0] != 1 || padded[3] != 0 {
		t.Errorf("Adapt pad = %v", padded)
	}

	same := []float32{1, 2}
	if out := Adapt(same, 0); &out[0] != &same[0] {
		t.Error("Adapt(dims=0) should return the input slice")
	}
}
