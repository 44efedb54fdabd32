package engine

import (
	"math"
	"time"
)

// Decay tuning.
const (
	// ForgetThreshold is the decay score below which a record is hidden
	// from search, timeline and tag search. It is not deleted.
	ForgetThreshold = 0.05

	reinforceBump   = 0.05
	reinforceFactor = 1.15

	DefaultMaxHalfLifeBoost = 8.0
)

// halfLifeDays by importance 1..5.
var halfLifeDays = [...]float64{7, 14, 30, 90, 365}

// HalfLife returns the base half-life in days for an importance level.
// Out-of-range importance is clamped.
func HalfLife(importance int) float64 {
	return halfLifeDays[clampImportance(importance)-1]
}

// DecayScore computes exp(-days·ln2 / (halfLife·boost)). Computed in Go
// because modernc.org/sqlite has no exp(). A non-positive elapsed time
// returns 1.
func DecayScore(elapsed time.Duration, importance int, boost float64) float64 {
	if elapsed <= 0 {
		return 1.0
	}
	if boost < 1 {
		boost = 1
	}
	days := elapsed.Hours() / 24
	score := math.Exp(-days * math.Ln2 / (HalfLife(importance) * boost))
	return math.Max(0, math.Min(1, score))
}

// Reinforced returns the decay score and half-life boost after one retrieval.
// The store applies the same arithmetic in SQL; this is the reference.
func Reinforced(decay, boost, maxBoost float64) (float64, float64) {
	decay = math.Min(1, decay+reinforceBump)
	if next := boost * reinforceFactor; next < maxBoost {
		boost = next
	} else if boost < maxBoost {
		boost = maxBoost
	}
	return decay, boost
}
