package generator

import (
	"log/slog"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/beam"
	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/vocab"
)

// Config holds the search parameters.
//
// BeamSize must not exceed the vocabulary size of the model: the first step
// expands a single hypothesis, so extra slots could only draw -Inf
// candidates. CheckVocab verifies this once the vocabulary is known.
type Config struct {
	BeamSize  int
	NBest     int
	MaxLength int
	MinLength int
	EarlyStop bool
	Scorer    beam.Scorer
	// Trace records the ids, parents and scores of every step.
	Trace bool

	PAD, BOS, EOS int
}

// DefaultConfig returns the search parameters used for negotiation turns.
func DefaultConfig() Config {
	return Config{
		BeamSize:  5,
		NBest:     1,
		MaxLength: 20,
		MinLength: 1,
		EarlyStop: true,
		Scorer:    beam.RawScorer{},
		PAD:       vocab.PAD,
		BOS:       vocab.BOS,
		EOS:       vocab.EOS,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BeamSize < 1 {
		return errors.Errorf("generator: beam size must be >= 1, got %d", c.BeamSize)
	}
	if c.NBest < 1 || c.NBest > c.BeamSize {
		return errors.Errorf("generator: n-best must be in [1, %d], got %d", c.BeamSize, c.NBest)
	}
	if c.MaxLength < 1 {
		return errors.Errorf("generator: max length must be >= 1, got %d", c.MaxLength)
	}
	if c.MinLength > c.MaxLength {
		return errors.Errorf("generator: min length %d exceeds max length %d", c.MinLength, c.MaxLength)
	}
	return nil
}

// CheckVocab checks the configuration against a vocabulary of vocabSize
// tokens.
func (c Config) CheckVocab(vocabSize int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BeamSize > vocabSize {
		return errors.Errorf("generator: beam size %d exceeds the vocabulary size %d", c.BeamSize, vocabSize)
	}
	return nil
}

// Result holds the ranked hypotheses of every item of a batch.
type Result struct {
	Predictions [][][]int       // [item][rank] token ids, EOS included when emitted
	Scores      [][]float64     // [item][rank] scorer output
	Attention   [][][][]float64 // [item][rank][step] attention over the memory
	GoldScores  []float64       // log-likelihood of the targets; nil without targets
	Trace       *Trace
}

// Trace records every step of the search, per item.
type Trace struct {
	PredictedIDs [][][]int     // [item][step][slot]
	ParentIDs    [][][]int     // [item][step][slot]
	Scores       [][][]float64 // [item][step][slot] cumulative log-probabilities
}

func newTrace(n int) *Trace {
	return &Trace{
		PredictedIDs: make([][][]int, n),
		ParentIDs:    make([][][]int, n),
		Scores:       make([][][]float64, n),
	}
}

func (t *Trace) record(item int, b *beam.Beam) {
	t.PredictedIDs[item] = append(t.PredictedIDs[item], b.CurrentTokens())
	t.ParentIDs[item] = append(t.ParentIDs[item], b.CurrentOrigin())
	t.Scores[item] = append(t.Scores[item], b.Scores())
}

// Generator decodes batches with beam search.
type Generator struct {
	model Model
	cfg   Config
}

// New creates a generator. cfg.Scorer defaults to beam.RawScorer.
func New(model Model, cfg Config) *Generator {
	if cfg.Scorer == nil {
		cfg.Scorer = beam.RawScorer{}
	}
	return &Generator{model: model, cfg: cfg}
}

// Config returns the search parameters.
func (g *Generator) Config() Config {
	return g.cfg
}

// startToken returns the token at position pos of the item's decoder input,
// or PAD when the item has none there.
func (g *Generator) startToken(batch *data.Batch, item, pos int) int {
	if item >= len(batch.DecoderInputs) || pos >= len(batch.DecoderInputs[item]) {
		return g.cfg.PAD
	}
	return batch.DecoderInputs[item][pos]
}

func repeatInts(xs []int, k int) []int {
	out := make([]int, 0, len(xs)*k)
	for _, x := range xs {
		for range k {
			out = append(out, x)
		}
	}
	return out
}

func (g *Generator) checkRows(what string, rows [][]float64, want int) {
	if len(rows) != want {
		exceptions.Panicf("generator: model returned %d rows of %s, want %d", len(rows), what, want)
	}
}

// Generate decodes every item of batch. The first gtPrefix decoder inputs
// of each item are forced: all but the last are fed to the decoder as is,
// and the last one starts the beam.
func (g *Generator) Generate(batch *data.Batch, gtPrefix int) (*Result, error) {
	if batch == nil || batch.Size == 0 {
		return nil, errors.New("generator: empty batch")
	}
	if gtPrefix < 1 {
		return nil, errors.Errorf("generator: ground-truth prefix must be >= 1, got %d", gtPrefix)
	}
	if err := g.cfg.Validate(); err != nil {
		return nil, err
	}
	n, k := batch.Size, g.cfg.BeamSize
	if len(batch.EncoderInputs) != n || len(batch.Lengths) != n {
		return nil, errors.Errorf("generator: batch of %d items has %d encoder rows and %d lengths",
			n, len(batch.EncoderInputs), len(batch.Lengths))
	}

	state, memory := g.model.Encode(batch.EncoderInputs, batch.Lengths, batch.Context)
	for pos := 0; pos < gtPrefix-1; pos++ {
		inputs := make([]int, n)
		for b := range n {
			inputs[b] = g.startToken(batch, b, pos)
		}
		_, state, _ = g.model.DecodeStep(inputs, memory, state, batch.Lengths)
	}

	state.Repeat(k)
	memory = memory.Repeat(k)
	lengths := repeatInts(batch.Lengths, k)

	beams := make([]*beam.Beam, n)
	for b := range n {
		beams[b] = beam.New(beam.Config{
			Size:      k,
			NBest:     g.cfg.NBest,
			BOS:       g.startToken(batch, b, gtPrefix-1),
			EOS:       g.cfg.EOS,
			PAD:       g.cfg.PAD,
			MinLength: g.cfg.MinLength,
			MaxLength: g.cfg.MaxLength,
			EarlyStop: g.cfg.EarlyStop,
			Scorer:    g.cfg.Scorer,
		})
	}

	var trace *Trace
	if g.cfg.Trace {
		trace = newTrace(n)
	}
	step := 0
	for ; step < g.cfg.MaxLength && !allDone(beams); step++ {
		inputs := make([]int, 0, n*k)
		for _, bm := range beams {
			inputs = append(inputs, bm.CurrentTokens()...)
		}
		out, next, attn := g.model.DecodeStep(inputs, memory, state, lengths)
		state = next
		logProbs := g.model.Project(out)
		g.checkRows("log-probabilities", logProbs, n*k)
		if attn != nil {
			g.checkRows("attention", attn, n*k)
		}

		advanced := make([]bool, n)
		for b, bm := range beams {
			if bm.Done() {
				continue
			}
			var rows [][]float64
			if attn != nil {
				rows = attn[b*k : (b+1)*k]
			}
			bm.Advance(logProbs[b*k:(b+1)*k], rows)
			advanced[b] = true
			if trace != nil {
				trace.record(b, bm)
			}
		}
		Reindex(state, beams, advanced)
	}
	slog.Debug("Beam search finished", "items", n, "beam", k, "steps", step)

	res := &Result{
		Predictions: make([][][]int, n),
		Scores:      make([][]float64, n),
		Attention:   make([][][][]float64, n),
		Trace:       trace,
	}
	for b, bm := range beams {
		for _, h := range bm.SortFinished(g.cfg.NBest) {
			tokens, attn := bm.Hypothesis(h.Step, h.Slot)
			res.Predictions[b] = append(res.Predictions[b], tokens)
			res.Scores[b] = append(res.Scores[b], h.Score)
			res.Attention[b] = append(res.Attention[b], attn)
		}
	}
	if batch.Targets != nil {
		res.GoldScores = g.GoldScores(batch)
	}
	return res, nil
}

func allDone(beams []*beam.Beam) bool {
	for _, b := range beams {
		if !b.Done() {
			return false
		}
	}
	return true
}

// Reindex permutes the rows of state to follow the slots the beams picked
// on the last step. Row b*k+i of item b receives old row b*k+origin[i];
// items whose beam was not advanced keep their rows.
func Reindex(state State, beams []*beam.Beam, advanced []bool) {
	if len(beams) == 0 {
		return
	}
	if len(advanced) != len(beams) {
		exceptions.Panicf("generator: %d advance flags for %d beams", len(advanced), len(beams))
	}
	k := beams[0].Size()
	indices := make([]int, 0, len(beams)*k)
	for b, bm := range beams {
		if bm.Size() != k {
			exceptions.Panicf("generator: beam %d has size %d, want %d", b, bm.Size(), k)
		}
		base := b * k
		if !advanced[b] {
			for i := range k {
				indices = append(indices, base+i)
			}
			continue
		}
		for _, origin := range bm.CurrentOrigin() {
			indices = append(indices, base+origin)
		}
	}
	state.Reorder(indices)
}

// GoldScores returns the log-likelihood the model gives to the targets of
// every item under teacher forcing. PAD targets are skipped.
func (g *Generator) GoldScores(batch *data.Batch) []float64 {
	n := batch.Size
	scores := make([]float64, n)
	if batch.Targets == nil {
		return scores
	}
	state, memory := g.model.Encode(batch.EncoderInputs, batch.Lengths, batch.Context)
	width := 0
	for _, row := range batch.DecoderInputs {
		width = max(width, len(row))
	}
	for t := range width {
		inputs := make([]int, n)
		for b := range n {
			inputs[b] = g.startToken(batch, b, t)
		}
		var out [][]float64
		out, state, _ = g.model.DecodeStep(inputs, memory, state, batch.Lengths)
		logProbs := g.model.Project(out)
		g.checkRows("log-probabilities", logProbs, n)
		for b := range n {
			if t >= len(batch.Targets[b]) {
				continue
			}
			if tgt := batch.Targets[b][t]; tgt != g.cfg.PAD {
				scores[b] += logProbs[b][tgt]
			}
		}
	}
	return scores
}
