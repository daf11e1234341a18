// Package risk scores transactions for fraud likelihood.
//
// The model is a transparent heuristic, not a trained one: additive
// amount bands, an off-hours penalty, and two low-probability boosts
// standing in for signals the explicit features do not capture. Scores
// are clamped to [0,1] and computed exactly once at ingestion.
package risk

import (
	"math/rand/v2"
	"time"
)

// Amount bands. Each band is additive on top of the previous ones.
const (
	BandLowThreshold  = 10_000
	BandMidThreshold  = 50_000
	BandHighThreshold = 100_000

	bandLowWeight  = 0.3
	bandMidWeight  = 0.2
	bandHighWeight = 0.3
)

// Off-hours penalty: transactions before 06:00 or from 22:00 local time.
const (
	businessHoursStart = 6
	businessHoursEnd   = 22
	offHoursWeight     = 0.2
)

// Unexplained-factor boosts. Two independent latent signals fire with
// fixed probabilities and add a fixed weight each.
const (
	boostAProbability = 0.2
	boostAWeight      = 0.15
	boostBProbability = 0.1
	boostBWeight      = 0.10
)

// Source supplies the random draws for the unexplained-factor boosts.
// Implementations must be safe for concurrent use.
type Source interface {
	Float64() float64
}

// globalSource draws from math/rand/v2's concurrency-safe global generator.
type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// Zero is a Source that never fires a boost. Useful when scores must be
// fully reproducible, e.g. for audit replays.
var Zero Source = zeroSource{}

type zeroSource struct{}

func (zeroSource) Float64() float64 { return 1 }

// Scorer computes fraud risk scores. It holds no mutable state and is
// safe for concurrent use from many ingestion paths.
type Scorer struct {
	src Source
}

// Option configures the scorer.
type Option func(*Scorer)

// WithSource overrides the random source for the unexplained-factor
// boosts. Tests inject a fixed-sequence source here.
func WithSource(src Source) Option {
	return func(s *Scorer) { s.src = src }
}

// NewScorer creates a scorer. By default the unexplained-factor boosts
// draw from the shared math/rand/v2 generator.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{src: globalSource{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the risk score for a transaction with the given amount
// and event timestamp. The result is always in [0,1]. Invalid amounts
// never reach the scorer; the ingestion boundary rejects them first.
func (s *Scorer) Score(amount float64, at time.Time) float64 {
	var score float64

	if amount > BandLowThreshold {
		score += bandLowWeight
	}
	if amount > BandMidThreshold {
		score += bandMidWeight
	}
	if amount > BandHighThreshold {
		score += bandHighWeight
	}

	hour := at.Hour()
	if hour < businessHoursStart || hour >= businessHoursEnd {
		score += offHoursWeight
	}

	if s.src.Float64() < boostAProbability {
		score += boostAWeight
	}
	if s.src.Float64() < boostBProbability {
		score += boostBWeight
	}

	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
