// Package data turns simulated dialogues into padded training and decoding
// batches.
package data

import (
	"github.com/happyhackingspace/haggle/vocab"
)

// Batch holds one padded batch. Row b of every field belongs to the same
// item. Decoders read a batch and never modify it.
type Batch struct {
	Size  int
	UUIDs []string

	EncoderInputs [][]int // partner's previous utterance, PAD-padded
	Lengths       []int   // unpadded encoder lengths

	DecoderInputs [][]int // <s> utterance, PAD-padded
	Targets       [][]int // utterance </s>, PAD-padded; nil when decoding

	// Context is nil when the batch carries no dialogue history.
	Context *Context
}

// Context is the dialogue history of every item.
type Context struct {
	PrevTurns [][]int // earlier utterances, concatenated
	ItemTitle [][]int // listing title
}

// Pair is one training item before padding.
type Pair struct {
	UUID      string
	Encoder   []int
	Decoder   []int // <s> utterance </s>
	PrevTurns []int
	Title     []int
}

func pad(seqs [][]int, width int) [][]int {
	out := make([][]int, len(seqs))
	for i, s := range seqs {
		row := make([]int, width)
		copy(row, s)
		for j := len(s); j < width; j++ {
			row[j] = vocab.PAD
		}
		out[i] = row
	}
	return out
}

func maxLen(seqs [][]int) int {
	n := 0
	for _, s := range seqs {
		n = max(n, len(s))
	}
	return n
}

// NewBatch pads pairs into a batch. withContext attaches the dialogue history.
func NewBatch(pairs []Pair, withContext bool) *Batch {
	b := &Batch{Size: len(pairs)}
	var enc, decIn, tgt, prev, title [][]int
	hasTargets := false
	for _, p := range pairs {
		b.UUIDs = append(b.UUIDs, p.UUID)
		enc = append(enc, p.Encoder)
		b.Lengths = append(b.Lengths, len(p.Encoder))
		if len(p.Decoder) > 1 {
			hasTargets = true
			decIn = append(decIn, p.Decoder[:len(p.Decoder)-1])
			tgt = append(tgt, p.Decoder[1:])
		} else {
			decIn = append(decIn, p.Decoder)
			tgt = append(tgt, nil)
		}
		prev = append(prev, p.PrevTurns)
		title = append(title, p.Title)
	}
	b.EncoderInputs = pad(enc, maxLen(enc))
	b.DecoderInputs = pad(decIn, maxLen(decIn))
	if hasTargets {
		b.Targets = pad(tgt, maxLen(decIn))
	}
	if withContext {
		b.Context = &Context{PrevTurns: prev, ItemTitle: title}
	}
	return b
}

// NumTargetTokens counts the non-PAD target tokens of the batch.
func (b *Batch) NumTargetTokens() int {
	n := 0
	for _, row := range b.Targets {
		for _, tok := range row {
			if tok != vocab.PAD {
				n++
			}
		}
	}
	return n
}
