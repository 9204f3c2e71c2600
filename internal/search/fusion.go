package search

import (
	"time"

	"github.com/nextlevelbuilder/memlens/internal/config"
)

// Weights are the fusion coefficients for one query.
type Weights struct {
	Text   float64
	Vector float64
}

// weightsFor picks the coefficients from the signals that actually ran.
// A missing vector signal never penalizes a keyword query: text gets the
// full weight, and vice versa.
func weightsFor(s config.SearchConfig, textSignal, vectorSignal bool) Weights {
	switch {
	case textSignal && vectorSignal:
		return Weights{Text: s.TextWeight, Vector: s.VectorWeight}
	case textSignal:
		return Weights{Text: 1}
	case vectorSignal:
		return Weights{Vector: 1}
	default:
		return Weights{}
	}
}

// Fuse combines normalized text and vector scores (both in [0,1]).
// With non-negative weights it is monotonic in each term.
func Fuse(w Weights, text, vector float64) float64 {
	return w.Text*text + w.Vector*vector
}

// Decay is the temporal multiplier 1/(1 + age_days/halflife). Decay(0) is 1
// and it strictly decreases with age. Negative ages (clock skew, future
// timestamps) count as zero; a non-positive half-life disables decay.
func Decay(age time.Duration, halflifeDays float64) float64 {
	if halflifeDays <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	days := age.Hours() / 24
	return 1 / (1 + days/halflifeDays)
}
