package data

import (
	"iter"
	"log/slog"
	"math/rand/v2"

	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/internal/textutil"
	"github.com/happyhackingspace/haggle/vocab"
)

// Options controls how dialogues become batches.
type Options struct {
	BatchSize    int
	MaxUtterance int  // tokens kept per utterance
	ContextTurns int  // earlier utterances kept as history
	UseContext   bool // attach the history to batches
	Seed         uint64
}

// DefaultOptions returns the options used for training.
func DefaultOptions() Options {
	return Options{
		BatchSize:    64,
		MaxUtterance: 30,
		ContextTurns: 2,
		UseContext:   true,
		Seed:         1,
	}
}

// UtteranceTokens tokenizes an utterance with prices replaced by the price marker.
func UtteranceTokens(text string) []string {
	toks, _ := textutil.ReplacePrices(textutil.Tokenize(text))
	return toks
}

func clip(ids []int, n int) []int {
	if n > 0 && len(ids) > n {
		return ids[:n]
	}
	return ids
}

// BuildVocab counts the utterance and title tokens of the dialogues.
func BuildVocab(examples []dialogue.Example, minCount int) *vocab.Vocab {
	counts := make(map[string]int)
	for _, ex := range examples {
		if ex.Scenario != nil {
			vocab.Count(counts, textutil.Tokenize(ex.Scenario.Title))
		}
		for _, m := range ex.Messages() {
			vocab.Count(counts, UtteranceTokens(m.Data))
		}
	}
	return vocab.Build(counts, minCount)
}

// NewPair builds the item that answers the last utterance of history.
// history holds token ids of earlier utterances, oldest first; reply is the
// response (nil when decoding).
func NewPair(history [][]int, title []int, reply []int, opts Options) Pair {
	p := Pair{Title: clip(title, opts.MaxUtterance)}
	if len(history) == 0 {
		p.Encoder = []int{vocab.BOS}
	} else {
		p.Encoder = clip(history[len(history)-1], opts.MaxUtterance)
		start := max(0, len(history)-1-opts.ContextTurns)
		for _, h := range history[start : len(history)-1] {
			p.PrevTurns = append(p.PrevTurns, clip(h, opts.MaxUtterance)...)
		}
	}
	p.Decoder = append([]int{vocab.BOS}, clip(reply, opts.MaxUtterance)...)
	if reply != nil {
		p.Decoder = append(p.Decoder, vocab.EOS)
	}
	return p
}

// Turns turns every message of a dialogue into a training pair answering
// the message before it.
func Turns(ex *dialogue.Example, v *vocab.Vocab, opts Options) []Pair {
	var title []int
	if ex.Scenario != nil {
		title = v.Encode(textutil.Tokenize(ex.Scenario.Title))
	}
	var history [][]int
	var pairs []Pair
	for _, m := range ex.Messages() {
		ids := v.Encode(UtteranceTokens(m.Data))
		p := NewPair(history, title, ids, opts)
		p.UUID = ex.UUID
		pairs = append(pairs, p)
		history = append(history, ids)
	}
	return pairs
}

// Generator serves the batches of every split.
type Generator struct {
	opts  Options
	pairs map[string][]Pair
	rng   *rand.Rand
}

// NewGenerator encodes the dialogues of every split.
func NewGenerator(splits map[string][]dialogue.Example, v *vocab.Vocab, opts Options) *Generator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	g := &Generator{
		opts:  opts,
		pairs: make(map[string][]Pair, len(splits)),
		rng:   rand.New(rand.NewPCG(opts.Seed, 0)),
	}
	for split, examples := range splits {
		for i := range examples {
			g.pairs[split] = append(g.pairs[split], Turns(&examples[i], v, opts)...)
		}
		slog.Debug("Encoded split", "split", split, "dialogues", len(examples), "pairs", len(g.pairs[split]))
	}
	return g
}

// NumPairs returns the number of items in a split.
func (g *Generator) NumPairs(split string) int {
	return len(g.pairs[split])
}

// NumBatches returns the number of batches in a split.
func (g *Generator) NumBatches(split string) int {
	n := len(g.pairs[split])
	return (n + g.opts.BatchSize - 1) / g.opts.BatchSize
}

// Batches yields the batches of a split. The "train" split is reshuffled on
// every call; other splits keep their order.
func (g *Generator) Batches(split string) iter.Seq[*Batch] {
	pairs := g.pairs[split]
	order := make([]int, len(pairs))
	for i := range order {
		order[i] = i
	}
	if split == "train" {
		g.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return func(yield func(*Batch) bool) {
		for start := 0; start < len(order); start += g.opts.BatchSize {
			end := min(start+g.opts.BatchSize, len(order))
			chunk := make([]Pair, 0, end-start)
			for _, i := range order[start:end] {
				chunk = append(chunk, pairs[i])
			}
			if !yield(NewBatch(chunk, g.opts.UseContext)) {
				return
			}
		}
	}
}
