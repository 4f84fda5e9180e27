// Package generator runs batched beam search over an encoder-decoder model.
//
// Every item of a batch gets its own beam.Beam. The beams advance in lock
// step: one DecodeStep call feeds the current token of every slot of every
// item, and after the beams have picked their next slots the decoder state is
// permuted so that row b*k+i again holds the state of slot i of item b.
package generator

import "github.com/happyhackingspace/haggle/data"

// State is the recurrent decoder state of a batch, one row per item (or per
// beam slot once repeated). Only the model looks inside it.
type State interface {
	// Reorder replaces row r by old row indices[r].
	Reorder(indices []int)
	// Repeat replaces every row by k consecutive copies of it.
	Repeat(k int)
}

// Memory is the encoder output attended to by the decoder.
type Memory interface {
	// Repeat returns a memory with every row copied k times consecutively.
	Repeat(k int) Memory
}

// Model is the encoder-decoder the search conditions on.
type Model interface {
	// Encode runs the encoder over a batch. ctx may be nil.
	Encode(inputs [][]int, lengths []int, ctx *data.Context) (State, Memory)
	// DecodeStep feeds one token per row and returns the decoder output,
	// the next state and the attention weights over the memory.
	DecodeStep(inputs []int, memory Memory, state State, memoryLengths []int) (output [][]float64, next State, attn [][]float64)
	// Project maps decoder outputs to log-probabilities over the vocabulary.
	Project(output [][]float64) [][]float64
}
