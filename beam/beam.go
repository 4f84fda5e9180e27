// Package beam implements the hypothesis beam used to decode one item of a
// batch with beam search.
//
// A Beam keeps k hypothesis slots. Every call to Advance extends the live
// slots by one token, recording for each slot the token it chose and the slot
// of the previous step it extends (its backpointer). Slots that emit EOS are
// recorded as finished and stay in place, soft-removed with a score of -Inf,
// so slot indices remain stable across steps and the number of live slots
// never grows.
package beam

import (
	"math"
	"sort"

	"github.com/gomlx/exceptions"
)

// Config holds the parameters of a Beam.
type Config struct {
	Size      int // number of hypothesis slots (k)
	NBest     int // default n for SortFinished
	BOS       int
	EOS       int
	PAD       int
	MinLength int // EOS cannot be emitted before this step
	MaxLength int // Done after this many steps; 0 means no cap
	// EarlyStop marks the whole beam done as soon as the best candidate of a
	// step is EOS. Negotiation turns are short, so this is the default.
	EarlyStop bool
	Scorer    Scorer
}

// DefaultConfig returns a beam of size 5 using the vocab package's reserved ids.
func DefaultConfig() Config {
	return Config{
		Size:      5,
		NBest:     1,
		PAD:       0,
		BOS:       1,
		EOS:       2,
		EarlyStop: true,
		Scorer:    RawScorer{},
	}
}

// Finished is a hypothesis that emitted EOS (or was force-finished by
// SortFinished).
type Finished struct {
	Score float64 // ranking score from the Scorer
	Raw   float64 // cumulative log-probability
	Step  int     // step at which the hypothesis ended; also its length
	Slot  int
}

// Beam tracks the hypotheses of one batch item.
type Beam struct {
	cfg Config

	scores   []float64     // cumulative log-prob per slot at the current step
	tokens   [][]int       // tokens[t][slot]; tokens[0] is the start row
	backs    [][]int       // backs[t][slot] indexes tokens[t]
	attn     [][][]float64 // attn[t][slot], aligned with tokens[t+1]
	finished []Finished
	eosTop   bool
}

// New creates a beam whose slot 0 starts with cfg.BOS.
func New(cfg Config) *Beam {
	if cfg.Size < 1 {
		exceptions.Panicf("beam: size must be >= 1, got %d", cfg.Size)
	}
	if cfg.Scorer == nil {
		cfg.Scorer = RawScorer{}
	}
	start := make([]int, cfg.Size)
	for i := range start {
		start[i] = cfg.PAD
	}
	start[0] = cfg.BOS
	return &Beam{
		cfg:    cfg,
		scores: make([]float64, cfg.Size),
		tokens: [][]int{start},
	}
}

// Size returns the number of slots.
func (b *Beam) Size() int {
	return b.cfg.Size
}

// Step returns the number of Advance calls so far.
func (b *Beam) Step() int {
	return len(b.backs)
}

// CurrentTokens returns the last token of every slot, the next model input.
func (b *Beam) CurrentTokens() []int {
	return append([]int(nil), b.tokens[len(b.tokens)-1]...)
}

// CurrentOrigin returns, for every slot, the slot of the previous step it
// extends. Before the first step it is the identity.
func (b *Beam) CurrentOrigin() []int {
	if len(b.backs) == 0 {
		origin := make([]int, b.cfg.Size)
		for i := range origin {
			origin[i] = i
		}
		return origin
	}
	return append([]int(nil), b.backs[len(b.backs)-1]...)
}

// Scores returns the cumulative log-probability of every slot.
func (b *Beam) Scores() []float64 {
	return append([]float64(nil), b.scores...)
}

// Finished returns the hypotheses that emitted EOS, in the order they did.
func (b *Beam) Finished() []Finished {
	return append([]Finished(nil), b.finished...)
}

func (b *Beam) isLive(slot int) bool {
	cur := b.tokens[len(b.tokens)-1]
	return cur[slot] != b.cfg.EOS && !math.IsInf(b.scores[slot], -1)
}

// Live returns the number of slots still extending.
func (b *Beam) Live() int {
	n := 0
	for i := range b.cfg.Size {
		if b.isLive(i) {
			n++
		}
	}
	return n
}

// Done reports whether the beam must not be advanced any more.
func (b *Beam) Done() bool {
	if b.eosTop {
		return true
	}
	if b.cfg.MaxLength > 0 && len(b.backs) >= b.cfg.MaxLength {
		return true
	}
	return b.Live() == 0
}

type candidate struct {
	score float64
	row   int
	token int
	flat  int
}

func (c candidate) better(o candidate) bool {
	if c.score != o.score {
		return c.score > o.score
	}
	return c.flat < o.flat
}

// Advance extends the beam by one step.
//
// logProbs holds one row of vocabulary log-probabilities per slot and attn
// one row of attention weights per slot (attn may be nil). Calling Advance
// on a beam that is Done is a programming error and panics.
func (b *Beam) Advance(logProbs [][]float64, attn [][]float64) {
	k := b.cfg.Size
	if b.Done() {
		exceptions.Panicf("beam: Advance called on a finished beam (step %d)", len(b.backs))
	}
	if len(logProbs) != k {
		exceptions.Panicf("beam: Advance got %d rows of log-probabilities, beam size is %d", len(logProbs), k)
	}
	if attn != nil && len(attn) != k {
		exceptions.Panicf("beam: Advance got %d rows of attention, beam size is %d", len(attn), k)
	}
	vocabSize := len(logProbs[0])
	for i, row := range logProbs {
		if len(row) != vocabSize {
			exceptions.Panicf("beam: log-probability row %d has %d entries, want %d", i, len(row), vocabSize)
		}
	}

	step := len(b.backs) + 1
	first := len(b.backs) == 0
	blockEOS := step < b.cfg.MinLength

	// Slots to refill, in index order; on the first step every slot is a
	// copy of slot 0, so only row 0 produces candidates.
	var slots, rows []int
	for i := range k {
		if first || b.isLive(i) {
			slots = append(slots, i)
		}
	}
	if first {
		rows = []int{0}
	} else {
		rows = slots
	}

	top := make([]candidate, 0, len(slots)+1)
	for _, row := range rows {
		base := b.scores[row]
		for tok, lp := range logProbs[row] {
			if blockEOS && tok == b.cfg.EOS {
				lp = math.Inf(-1)
			}
			c := candidate{score: base + lp, row: row, token: tok, flat: row*vocabSize + tok}
			top = insertTop(top, c, len(slots))
		}
	}

	attnLen := 0
	if attn != nil && len(attn) > 0 {
		attnLen = len(attn[0])
	}
	newTokens := make([]int, k)
	newBacks := make([]int, k)
	newScores := make([]float64, k)
	newAttn := make([][]float64, k)
	for i := range k {
		newTokens[i] = b.cfg.PAD
		newBacks[i] = i
		newScores[i] = math.Inf(-1)
		newAttn[i] = make([]float64, attnLen)
	}
	for j, slot := range slots {
		if j >= len(top) {
			break
		}
		c := top[j]
		newTokens[slot] = c.token
		newBacks[slot] = c.row
		newScores[slot] = c.score
		if attn != nil {
			newAttn[slot] = append([]float64(nil), attn[c.row]...)
		}
	}

	b.tokens = append(b.tokens, newTokens)
	b.backs = append(b.backs, newBacks)
	b.attn = append(b.attn, newAttn)
	b.scores = newScores

	for _, slot := range slots {
		s := newScores[slot]
		if newTokens[slot] == b.cfg.EOS && !math.IsInf(s, -1) {
			b.finished = append(b.finished, Finished{
				Score: b.cfg.Scorer.Score(s, step),
				Raw:   s,
				Step:  step,
				Slot:  slot,
			})
		}
	}
	if b.cfg.EarlyStop && len(top) > 0 && top[0].token == b.cfg.EOS && !math.IsInf(top[0].score, -1) {
		b.eosTop = true
	}
}

// insertTop keeps list sorted best-first and at most n long.
func insertTop(list []candidate, c candidate, n int) []candidate {
	if len(list) == n && !c.better(list[n-1]) {
		return list
	}
	pos := sort.Search(len(list), func(i int) bool { return c.better(list[i]) })
	if len(list) < n {
		list = append(list, candidate{})
	}
	copy(list[pos+1:], list[pos:len(list)-1])
	list[pos] = c
	return list
}

// SortFinished returns the n best hypotheses ranked by score, best first.
//
// When fewer than n hypotheses emitted EOS the best live slots of the last
// step are force-finished to make up the difference, so a search cut off by
// the length cap still yields candidates. If the live slots run out too,
// slots that only ever drew -Inf candidates fill the rest in slot order, so
// a beam of size >= n always returns n hypotheses. With n <= 0 the beam's
// NBest is used; when that is also unset all finished hypotheses are
// returned.
func (b *Beam) SortFinished(n int) []Finished {
	if n <= 0 {
		n = b.cfg.NBest
	}
	out := append([]Finished(nil), b.finished...)
	if len(out) < n {
		last := len(b.backs)
		ended := make(map[int]bool, len(b.finished))
		for _, f := range b.finished {
			ended[f.Slot] = true
		}
		var live, dead []int
		for i := range b.cfg.Size {
			switch {
			case b.isLive(i):
				live = append(live, i)
			case !ended[i]:
				dead = append(dead, i)
			}
			if last == 0 {
				// All start slots are the same empty hypothesis.
				break
			}
		}
		sort.SliceStable(live, func(i, j int) bool {
			return b.scores[live[i]] > b.scores[live[j]]
		})
		for _, slot := range append(live, dead...) {
			if len(out) >= n {
				break
			}
			s := b.scores[slot]
			out = append(out, Finished{
				Score: b.cfg.Scorer.Score(s, last),
				Raw:   s,
				Step:  last,
				Slot:  slot,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Hypothesis rebuilds the tokens and attention rows of the hypothesis ending
// at (step, slot) by following backpointers to the start. The result has
// exactly step tokens.
func (b *Beam) Hypothesis(step, slot int) ([]int, [][]float64) {
	if step < 0 || step > len(b.backs) {
		exceptions.Panicf("beam: hypothesis step %d out of range [0, %d]", step, len(b.backs))
	}
	if slot < 0 || slot >= b.cfg.Size {
		exceptions.Panicf("beam: hypothesis slot %d out of range [0, %d)", slot, b.cfg.Size)
	}
	tokens := make([]int, step)
	attn := make([][]float64, step)
	for j := step - 1; j >= 0; j-- {
		tokens[j] = b.tokens[j+1][slot]
		attn[j] = b.attn[j][slot]
		slot = b.backs[j][slot]
	}
	return tokens, attn
}
