package beam

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pad = iota
	bos
	eos
	hello
	bye
)

// logRow converts probabilities to log-probabilities.
func logRow(probs ...float64) []float64 {
	row := make([]float64, len(probs))
	for i, p := range probs {
		row[i] = math.Log(p)
	}
	return row
}

func repeatRows(k int, row []float64) [][]float64 {
	rows := make([][]float64, k)
	for i := range rows {
		rows[i] = append([]float64(nil), row...)
	}
	return rows
}

func testConfig(k int) Config {
	cfg := DefaultConfig()
	cfg.Size = k
	cfg.MinLength = 1
	cfg.MaxLength = 4
	return cfg
}

func TestBeamHelloEOS(t *testing.T) {
	b := New(testConfig(3))
	assert.Equal(t, []int{bos, pad, pad}, b.CurrentTokens())
	assert.Equal(t, []int{0, 1, 2}, b.CurrentOrigin())

	// Step 1 favours "hello", then EOS, then "bye".
	b.Advance(repeatRows(3, logRow(0.01, 0.01, 0.28, 0.6, 0.1)), nil)
	assert.Equal(t, []int{hello, eos, bye}, b.CurrentTokens())
	assert.Equal(t, []int{0, 0, 0}, b.CurrentOrigin())
	assert.Equal(t, 2, b.Live())
	require.False(t, b.Done())

	// After "hello", EOS is by far the best continuation.
	b.Advance([][]float64{
		logRow(0.01, 0.01, 0.9, 0.03, 0.05),
		logRow(0.2, 0.2, 0.2, 0.2, 0.2),
		logRow(0.01, 0.01, 0.1, 0.8, 0.08),
	}, nil)
	require.True(t, b.Done(), "top candidate is EOS")

	hyps := b.SortFinished(3)
	require.Len(t, hyps, 3)
	tokens, _ := b.Hypothesis(hyps[0].Step, hyps[0].Slot)
	assert.Equal(t, []int{hello, eos}, tokens)

	seen := map[string]bool{}
	for i, h := range hyps {
		if i > 0 {
			assert.GreaterOrEqual(t, hyps[i-1].Score, h.Score)
		}
		toks, _ := b.Hypothesis(h.Step, h.Slot)
		key := ""
		for _, tok := range toks {
			key += string(rune('a' + tok))
		}
		assert.False(t, seen[key], "duplicate hypothesis %v", toks)
		seen[key] = true
	}
}

func TestBeamMinLength(t *testing.T) {
	cfg := testConfig(3)
	cfg.MinLength = 3
	cfg.MaxLength = 6
	b := New(cfg)
	row := logRow(0.05, 0.05, 0.7, 0.1, 0.1)
	for !b.Done() {
		b.Advance(repeatRows(3, row), nil)
	}
	assert.Equal(t, 3, b.Step(), "EOS dominates as soon as it is allowed")
	finished := b.Finished()
	require.NotEmpty(t, finished)
	for _, f := range finished {
		assert.GreaterOrEqual(t, f.Step, 3)
	}
}

func TestBeamLiveMonotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for _, k := range []int{1, 2, 3, 5, 8} {
		cfg := testConfig(k)
		cfg.EarlyStop = false
		cfg.MaxLength = 10
		b := New(cfg)
		prevLive := b.Live()
		for !b.Done() {
			logProbs := make([][]float64, k)
			attn := make([][]float64, k)
			for i := range logProbs {
				probs := make([]float64, 6)
				var sum float64
				for j := range probs {
					probs[j] = rng.Float64() + 1e-3
					sum += probs[j]
				}
				for j := range probs {
					probs[j] /= sum
				}
				logProbs[i] = logRow(probs...)
				attn[i] = []float64{float64(i), 1}
			}
			b.Advance(logProbs, attn)
			live := b.Live()
			assert.LessOrEqual(t, live, prevLive, "k=%d step=%d", k, b.Step())
			prevLive = live

			for slot := range k {
				toks, at := b.Hypothesis(b.Step(), slot)
				assert.Len(t, toks, b.Step())
				assert.Len(t, at, b.Step())
			}
		}
	}
}

func TestBeamTieBreak(t *testing.T) {
	run := func() ([]int, []int) {
		b := New(Config{Size: 2, BOS: bos, EOS: eos, PAD: pad, MaxLength: 3})
		uniform := logRow(0.2, 0.2, 0.2, 0.2, 0.2)
		b.Advance(repeatRows(2, uniform), nil)
		first := b.CurrentTokens()
		b.Advance(repeatRows(2, uniform), nil)
		return first, b.CurrentTokens()
	}
	first, second := run()
	assert.Equal(t, []int{pad, bos}, first, "lowest token index wins a tie")

	again1, again2 := run()
	assert.Equal(t, first, again1)
	assert.Equal(t, second, again2)
}

func TestBeamForceFinishAtMaxLength(t *testing.T) {
	cfg := testConfig(3)
	cfg.MaxLength = 2
	b := New(cfg)
	row := []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1), math.Log(0.7), math.Log(0.3)}
	for !b.Done() {
		b.Advance(repeatRows(3, row), nil)
	}
	assert.Empty(t, b.Finished())

	hyps := b.SortFinished(1)
	require.Len(t, hyps, 1)
	assert.Equal(t, 2, hyps[0].Step)
	assert.InDelta(t, 2*math.Log(0.7), hyps[0].Raw, 1e-9)
	tokens, _ := b.Hypothesis(hyps[0].Step, hyps[0].Slot)
	assert.Equal(t, []int{hello, hello}, tokens)

	// The slot that drew a -Inf candidate on step 1 pads the list last.
	hyps = b.SortFinished(3)
	require.Len(t, hyps, 3)
	assert.Equal(t, 2, hyps[2].Slot)
	assert.True(t, math.IsInf(hyps[2].Raw, -1))
	tokens, _ = b.Hypothesis(hyps[2].Step, hyps[2].Slot)
	assert.Len(t, tokens, 2)
}

func TestBeamPadsWithDeadSlots(t *testing.T) {
	// PAD and BOS are masked and EOS is blocked on step 1, leaving two
	// usable tokens for three slots.
	cfg := testConfig(3)
	cfg.NBest = 3
	cfg.MinLength = 2
	b := New(cfg)
	row := []float64{math.Inf(-1), math.Inf(-1), math.Log(0.5), math.Log(0.3), math.Log(0.2)}
	for !b.Done() {
		b.Advance(repeatRows(3, row), nil)
	}

	hyps := b.SortFinished(0)
	require.Len(t, hyps, 3, "NBest is the default")
	seen := map[int]bool{}
	for _, h := range hyps {
		assert.False(t, seen[h.Slot], "slot %d returned twice", h.Slot)
		seen[h.Slot] = true
	}
	assert.False(t, math.IsInf(hyps[0].Raw, -1))
	assert.True(t, math.IsInf(hyps[2].Raw, -1))
}

func TestBeamEarlyStopDisabled(t *testing.T) {
	cfg := testConfig(2)
	cfg.EarlyStop = false
	b := New(cfg)
	b.Advance(repeatRows(2, logRow(0.05, 0.05, 0.6, 0.2, 0.1)), nil)
	assert.False(t, b.Done())
	assert.Equal(t, 1, b.Live())
	assert.Equal(t, []int{eos, hello}, b.CurrentTokens())

	b.Advance(repeatRows(2, logRow(0.05, 0.05, 0.1, 0.2, 0.6)), nil)
	tokens := b.CurrentTokens()
	assert.Equal(t, pad, tokens[0], "finished slot stays soft-removed")
	assert.Equal(t, bye, tokens[1])
	assert.Equal(t, []int{0, 1}, b.CurrentOrigin())
	assert.True(t, math.IsInf(b.Scores()[0], -1))
}

func TestBeamAttention(t *testing.T) {
	b := New(testConfig(2))
	b.Advance(repeatRows(2, logRow(0.01, 0.01, 0.08, 0.5, 0.4)),
		[][]float64{{0.9, 0.1}, {0.5, 0.5}})
	b.Advance([][]float64{
		logRow(0.01, 0.01, 0.08, 0.1, 0.8),
		logRow(0.01, 0.01, 0.08, 0.05, 0.85),
	}, [][]float64{{0.3, 0.7}, {0.2, 0.8}})

	tokens, attn := b.Hypothesis(2, 0)
	assert.Equal(t, []int{hello, bye}, tokens)
	assert.Equal(t, [][]float64{{0.9, 0.1}, {0.3, 0.7}}, attn)
}

func TestBeamContractViolations(t *testing.T) {
	b := New(testConfig(2))
	assert.Panics(t, func() { b.Advance(repeatRows(3, logRow(0.5, 0.5)), nil) }, "wrong row count")
	assert.Panics(t, func() { b.Advance([][]float64{{0, 0}, {0}}, nil) }, "ragged rows")
	assert.Panics(t, func() { b.Advance(repeatRows(2, logRow(0.5, 0.5)), [][]float64{{1}}) }, "attention rows")
	assert.Panics(t, func() { b.Hypothesis(1, 0) }, "step beyond the beam")
	assert.Panics(t, func() { b.Hypothesis(0, 2) }, "slot beyond the beam")
	assert.Panics(t, func() { New(Config{Size: 0}) })

	b.Advance(repeatRows(2, logRow(0.1, 0.1, 0.6, 0.1, 0.1)), nil)
	require.True(t, b.Done())
	assert.Panics(t, func() { b.Advance(repeatRows(2, logRow(0.1, 0.1, 0.6, 0.1, 0.1)), nil) })
}

func TestBeamLengthNormalizedRanking(t *testing.T) {
	cfg := testConfig(2)
	cfg.EarlyStop = false
	cfg.MaxLength = 3
	cfg.Scorer = LengthNormalizer{Alpha: 1}
	cfg.NBest = 0
	b := New(cfg)
	b.Advance(repeatRows(2, logRow(0.01, 0.01, 0.4, 0.5, 0.08)), nil)
	b.Advance(repeatRows(2, logRow(0.01, 0.01, 0.9, 0.05, 0.03)), nil)
	hyps := b.SortFinished(0)
	require.Len(t, hyps, 2)
	// [hello EOS] averages log(0.5*0.9)/2, better than log(0.4) for [EOS].
	assert.Equal(t, 2, hyps[0].Step)
	assert.InDelta(t, math.Log(0.45)/2, hyps[0].Score, 1e-9)
	assert.Equal(t, 1, hyps[1].Step)
}
