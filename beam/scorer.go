package beam

import (
	"math"

	"github.com/pkg/errors"
)

// Scorer turns a cumulative log-probability into the score used to rank
// finished hypotheses. length counts generated tokens, EOS included.
type Scorer interface {
	Score(logProb float64, length int) float64
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(logProb float64, length int) float64

// Score implements Scorer.
func (f ScorerFunc) Score(logProb float64, length int) float64 {
	return f(logProb, length)
}

// RawScorer ranks hypotheses by their cumulative log-probability, with no
// length penalty.
type RawScorer struct{}

// Score implements Scorer.
func (RawScorer) Score(logProb float64, _ int) float64 {
	return logProb
}

// LengthNormalizer divides the log-probability by length^Alpha.
// Alpha=1 is the plain per-token average; Alpha=0 is the same as RawScorer.
type LengthNormalizer struct {
	Alpha float64
}

// Score implements Scorer.
func (n LengthNormalizer) Score(logProb float64, length int) float64 {
	if length <= 0 || n.Alpha == 0 {
		return logProb
	}
	return logProb / math.Pow(float64(length), n.Alpha)
}

// GNMTScorer applies the length penalty ((5+length)/6)^Alpha from Wu et al. 2016.
type GNMTScorer struct {
	Alpha float64
}

// Score implements Scorer.
func (g GNMTScorer) Score(logProb float64, length int) float64 {
	if g.Alpha == 0 {
		return logProb
	}
	lp := math.Pow((5+float64(length))/6, g.Alpha)
	return logProb / lp
}

// NewScorer returns the scorer registered under name: "none" (or ""),
// "length" or "gnmt".
func NewScorer(name string, alpha float64) (Scorer, error) {
	switch name {
	case "", "none", "raw":
		return RawScorer{}, nil
	case "length", "avg":
		return LengthNormalizer{Alpha: alpha}, nil
	case "gnmt", "wu":
		return GNMTScorer{Alpha: alpha}, nil
	default:
		return nil, errors.Errorf("beam: unknown scorer %q (want none, length or gnmt)", name)
	}
}
