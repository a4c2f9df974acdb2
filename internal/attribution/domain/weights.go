package domain

import (
	"math"
	"time"
)

const decayHalfLife = 7 * 24 * time.Hour

// ComputeWeights assigns a normalized weight per touch for the given
// model. Touches must be ordered oldest first. Weights sum to 1 for
// any non-empty list; a single touch degenerates to weight 1 under
// every model.
func ComputeWeights(model Model, touches []*AffiliateTouch, now time.Time) []float64 {
	n := len(touches)
	if n == 0 {
		return nil
	}
	weights := make([]float64, n)
	if n == 1 {
		weights[0] = 1
		return weights
	}

	switch model {
	case ModelLastClick:
		weights[n-1] = 1
	case ModelLinear:
		share := 1 / float64(n)
		for i := range weights {
			weights[i] = share
		}
	case ModelTimeDecay:
		total := 0.0
		for i, touch := range touches {
			age := now.Sub(touch.OccurredAt)
			if age < 0 {
				age = 0
			}
			raw := math.Pow(0.5, float64(age)/float64(decayHalfLife))
			weights[i] = raw
			total += raw
		}
		if total > 0 {
			for i := range weights {
				weights[i] /= total
			}
		}
	case ModelPosition:
		if n == 2 {
			weights[0] = 0.5
			weights[1] = 0.5
			break
		}
		weights[0] = 0.4
		weights[n-1] = 0.4
		interior := 0.2 / float64(n-2)
		for i := 1; i < n-1; i++ {
			weights[i] = interior
		}
	default: // FIRST_CLICK
		weights[0] = 1
	}
	return weights
}

// WinningIndex returns the maximum-weight touch, most recent winning
// on ties. Touches ordered oldest first, so >= keeps the later touch.
func WinningIndex(weights []float64) int {
	winner := -1
	best := math.Inf(-1)
	for i, weight := range weights {
		if weight >= best {
			best = weight
			winner = i
		}
	}
	return winner
}
