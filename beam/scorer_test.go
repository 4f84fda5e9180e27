package beam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorers(t *testing.T) {
	tests := []struct {
		name    string
		scorer  Scorer
		logProb float64
		length  int
		want    float64
	}{
		{"raw", RawScorer{}, -4, 4, -4},
		{"length alpha 1", LengthNormalizer{Alpha: 1}, -4, 4, -1},
		{"length alpha 0.5", LengthNormalizer{Alpha: 0.5}, -4, 4, -2},
		{"length alpha 0", LengthNormalizer{}, -4, 4, -4},
		{"length zero length", LengthNormalizer{Alpha: 1}, -4, 0, -4},
		{"gnmt alpha 1", GNMTScorer{Alpha: 1}, -4, 7, -2},
		{"gnmt alpha 0", GNMTScorer{}, -4, 7, -4},
		{"func", ScorerFunc(func(lp float64, n int) float64 { return lp - float64(n) }), -1, 2, -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.scorer.Score(tt.logProb, tt.length), 1e-12)
		})
	}
}

func TestScorerKeepsNegativeInfinity(t *testing.T) {
	assert.True(t, math.IsInf(LengthNormalizer{Alpha: 1}.Score(math.Inf(-1), 3), -1))
	assert.True(t, math.IsInf(GNMTScorer{Alpha: 0.6}.Score(math.Inf(-1), 3), -1))
}

func TestNewScorer(t *testing.T) {
	for name, want := range map[string]Scorer{
		"":       RawScorer{},
		"none":   RawScorer{},
		"length": LengthNormalizer{Alpha: 0.7},
		"gnmt":   GNMTScorer{Alpha: 0.7},
	} {
		got, err := NewScorer(name, 0.7)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := NewScorer("bleu", 1)
	assert.ErrorContains(t, err, "unknown scorer")
}
