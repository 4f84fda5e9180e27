// Package seq2seq implements the encoder-decoder behind the negotiation
// agent: an echo-state network with dot-product attention.
//
// The embeddings and both recurrent matrices are fixed random projections
// drawn from ModelConfig.Seed (the reservoir); only the output softmax layer
// is trained. The decoder attends over the encoder states of the partner's
// last utterance and, when a dialogue context is given, a bag-of-words
// vector of the earlier turns and the listing title.
//
// All tensor math runs as GoMLX graphs on the pure Go backend; the weights
// live in a context.Context owned by the Model.
package seq2seq

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/generator"
	"github.com/happyhackingspace/haggle/vocab"
)

// Backend returns the GoMLX backend shared by every model.
var Backend = sync.OnceValues(func() (backends.Backend, error) {
	return simplego.New("")
})

// Variable scopes inside a model's context.
const (
	ReservoirScope = "reservoir"
	OutputScope    = "output"
)

// ModelConfig holds the model dimensions.
type ModelConfig struct {
	VocabSize      int     `json:"vocab_size"`
	Hidden         int     `json:"hidden"`
	SpectralRadius float64 `json:"spectral_radius"`
	InputScale     float64 `json:"input_scale"`
	ParamInit      float64 `json:"param_init"` // output weights start in (-ParamInit, ParamInit)
	Seed           uint64  `json:"seed"`
}

// DefaultModelConfig returns the model used by haggle train. VocabSize is
// filled in from the vocabulary.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Hidden:         64,
		SpectralRadius: 0.9,
		InputScale:     1.0,
		ParamInit:      0.1,
		Seed:           1,
	}
}

func (c ModelConfig) validate() error {
	if c.VocabSize <= vocab.UNK || c.Hidden <= 0 {
		return errors.Errorf("seq2seq: invalid model size (vocab %d, hidden %d)", c.VocabSize, c.Hidden)
	}
	return nil
}

// Model implements generator.Model.
type Model struct {
	Config ModelConfig

	ctx        *context.Context
	embedding  *context.Variable // [vocab, hidden]
	encoderRec *context.Variable // [hidden, hidden]
	decoderRec *context.Variable // [hidden, hidden]
	output     *context.Variable // [vocab, 2*hidden+1], trainable

	encodeExec, decodeExec, bagExec, projectExec, scoreExec *context.Exec
}

var _ generator.Model = (*Model)(nil)

// NewModel creates a model with a fresh reservoir and output layer.
func NewModel(cfg ModelConfig) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Model{Config: cfg}
	rng := rand.New(rand.NewPCG(cfg.Seed, 2))
	output := make([][]float64, cfg.VocabSize)
	for v := range output {
		output[v] = make([]float64, m.FeatureSize())
		for j := range output[v] {
			output[v][j] = cfg.ParamInit * (2*rng.Float64() - 1)
		}
	}
	if err := m.build(output); err != nil {
		return nil, err
	}
	return m, nil
}

// FeatureSize is the input width of the output layer: [h; attention; 1].
func (m *Model) FeatureSize() int {
	return 2*m.Config.Hidden + 1
}

// Context returns the GoMLX context holding the model variables.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// build creates the context with the reservoir and the given output
// weights, and compiles the model graphs.
func (m *Model) build(output [][]float64) error {
	backend, err := Backend()
	if err != nil {
		return errors.Wrap(err, "seq2seq: creating backend")
	}
	embedding, encoderRec, decoderRec := m.reservoir()
	m.ctx = context.New()
	err = exceptions.TryCatch[error](func() {
		res := m.ctx.In(ReservoirScope)
		m.embedding = res.VariableWithValue("embedding", embedding).SetTrainable(false)
		m.encoderRec = res.VariableWithValue("encoder", encoderRec).SetTrainable(false)
		m.decoderRec = res.VariableWithValue("decoder", decoderRec).SetTrainable(false)
		m.output = m.ctx.In(OutputScope).VariableWithValue("weights", output)
	})
	if err != nil {
		return errors.WithMessage(err, "seq2seq: creating variables")
	}

	execs := []struct {
		exec **context.Exec
		fn   func(ctx *context.Context, inputs []*graph.Node) []*graph.Node
	}{
		{&m.encodeExec, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{m.recurGraph(m.encoderRec, inputs[0], inputs[1])}
		}},
		{&m.decodeExec, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			h := m.recurGraph(m.decoderRec, inputs[0], inputs[1])
			features, weights := m.attendGraph(h, inputs[2], inputs[3])
			return []*graph.Node{h, features, weights}
		}},
		{&m.bagExec, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{m.bagGraph(inputs[0], inputs[1])}
		}},
		{&m.projectExec, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return []*graph.Node{graph.LogSoftmax(m.LogitsGraph(inputs[0]))}
		}},
		{&m.scoreExec, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return m.scoreGraph(inputs)
		}},
	}
	for _, e := range execs {
		exec, err := context.NewExec(backend, m.ctx, e.fn)
		if err != nil {
			return errors.Wrap(err, "seq2seq: compiling model")
		}
		*e.exec = exec
	}
	return nil
}

// reservoir draws the fixed embedding and recurrent matrices from the seed.
func (m *Model) reservoir() (embedding, encoderRec, decoderRec [][]float64) {
	cfg := m.Config
	rng := rand.New(rand.NewPCG(cfg.Seed, 1))
	embedding = make([][]float64, cfg.VocabSize)
	for v := range embedding {
		embedding[v] = make([]float64, cfg.Hidden)
		if v == vocab.PAD {
			continue
		}
		for i := range embedding[v] {
			embedding[v][i] = cfg.InputScale * (2*rng.Float64() - 1)
		}
	}
	// Gaussian entries scaled by 1/sqrt(n) give a spectral radius close to
	// SpectralRadius.
	scale := cfg.SpectralRadius / math.Sqrt(float64(cfg.Hidden))
	square := func() [][]float64 {
		w := make([][]float64, cfg.Hidden)
		for i := range w {
			w[i] = make([]float64, cfg.Hidden)
			for j := range w[i] {
				w[i][j] = scale * rng.NormFloat64()
			}
		}
		return w
	}
	return embedding, square(), square()
}

type modelJSON struct {
	Config ModelConfig `json:"config"`
	Output [][]float64 `json:"output"` // [vocab][2*hidden+1]
}

// OutputWeights returns a copy of the output layer, one row per word.
func (m *Model) OutputWeights() ([][]float64, error) {
	t, err := m.output.Value()
	if err != nil {
		return nil, errors.Wrap(err, "seq2seq: reading output layer")
	}
	return t.Value().([][]float64), nil
}

// MarshalJSON encodes the configuration and the trained output layer.
func (m *Model) MarshalJSON() ([]byte, error) {
	output, err := m.OutputWeights()
	if err != nil {
		return nil, err
	}
	return json.Marshal(modelJSON{Config: m.Config, Output: output})
}

// UnmarshalJSON decodes the trained weights and rebuilds the reservoir.
func (m *Model) UnmarshalJSON(b []byte) error {
	var p modelJSON
	if err := json.Unmarshal(b, &p); err != nil {
		return errors.Wrap(err, "seq2seq: decoding model")
	}
	if err := p.Config.validate(); err != nil {
		return err
	}
	width := 2*p.Config.Hidden + 1
	if len(p.Output) != p.Config.VocabSize {
		return errors.Errorf("seq2seq: output layer has %d rows, want %d", len(p.Output), p.Config.VocabSize)
	}
	for v, row := range p.Output {
		if len(row) != width {
			return errors.Errorf("seq2seq: output row %d has %d weights, want %d", v, len(row), width)
		}
	}
	*m = Model{Config: p.Config}
	return m.build(p.Output)
}

// recurGraph computes tanh(h W^T + E[tokens]).
func (m *Model) recurGraph(w *context.Variable, h, tokens *graph.Node) *graph.Node {
	g := h.Graph()
	e := graph.Gather(m.embedding.ValueGraph(g), graph.ExpandAxes(tokens, -1))
	return graph.Tanh(graph.Add(graph.Einsum("rj,ij->ri", h, w.ValueGraph(g)), e))
}

// attendGraph attends h over the masked keys and returns the output layer
// features [h; attention; 1] with the attention weights.
func (m *Model) attendGraph(h, keys, mask *graph.Node) (features, weights *graph.Node) {
	g := h.Graph()
	scores := graph.MulScalar(graph.Einsum("rh,rkh->rk", h, keys), 1/math.Sqrt(float64(m.Config.Hidden)))
	weights = graph.MaskedSoftmax(scores, mask, -1)
	attn := graph.Einsum("rk,rkh->rh", weights, keys)
	bias := graph.Ones(g, shapeOf(h, 1))
	return graph.Concatenate([]*graph.Node{h, attn, bias}, -1), weights
}

// bagGraph averages the embeddings of the masked tokens of every row and
// squashes the mean with tanh.
func (m *Model) bagGraph(tokens, mask *graph.Node) *graph.Node {
	g := tokens.Graph()
	e := graph.Gather(m.embedding.ValueGraph(g), graph.ExpandAxes(tokens, -1)) // [rows, len, hidden]
	sum := graph.ReduceSum(graph.Mul(e, graph.ExpandAxes(mask, -1)), 1)
	count := graph.ReduceSum(mask, 1)
	count = graph.Max(count, graph.OnesLike(count))
	return graph.Tanh(graph.Div(sum, graph.ExpandAxes(count, -1)))
}

// LogitsGraph maps output features [rows, FeatureSize] to vocabulary
// scores [rows, VocabSize].
func (m *Model) LogitsGraph(features *graph.Node) *graph.Node {
	return graph.Einsum("rf,vf->rv", features, m.output.ValueGraph(features.Graph()))
}

// shapeOf returns the shape of x with its last axis resized to dim.
func shapeOf(x *graph.Node, dim int) shapes.Shape {
	s := x.Shape().Clone()
	s.Dimensions[len(s.Dimensions)-1] = dim
	return s
}

// run executes one of the model graphs and panics on failure, as the
// generator.Model methods have no error return.
func run(exec *context.Exec, args ...any) []*tensors.Tensor {
	out, err := exec.Exec(args...)
	if err != nil {
		exceptions.Panicf("seq2seq: %+v", err)
	}
	return out
}

func (m *Model) token(tok int) int32 {
	if tok < 0 || tok >= m.Config.VocabSize {
		tok = vocab.UNK
	}
	return int32(tok)
}

// State is the decoder hidden state, one row per item or beam slot.
type State struct {
	H [][]float64
}

// Reorder implements generator.State.
func (s *State) Reorder(indices []int) {
	h := make([][]float64, len(indices))
	for r, i := range indices {
		h[r] = append([]float64(nil), s.H[i]...)
	}
	s.H = h
}

// Repeat implements generator.State.
func (s *State) Repeat(k int) {
	h := make([][]float64, 0, len(s.H)*k)
	for _, row := range s.H {
		for range k {
			h = append(h, append([]float64(nil), row...))
		}
	}
	s.H = h
}

// Memory holds the encoder states and the optional context vector of every row.
type Memory struct {
	States  [][][]float64 // [row][position][hidden]
	Context [][]float64   // [row][hidden]; a nil row has no context
}

// Repeat implements generator.Memory. Rows are shared, not copied: memory
// is read-only once encoded.
func (m *Memory) Repeat(k int) generator.Memory {
	out := &Memory{States: make([][][]float64, 0, len(m.States)*k)}
	if m.Context != nil {
		out.Context = make([][]float64, 0, len(m.Context)*k)
	}
	for r := range m.States {
		for range k {
			out.States = append(out.States, m.States[r])
			if m.Context != nil {
				out.Context = append(out.Context, m.Context[r])
			}
		}
	}
	return out
}

// keys returns the attention keys of a row: its first length encoder states
// plus its context vector.
func (m *Memory) keys(row, length int) [][]float64 {
	keys := m.States[row]
	if length < len(keys) {
		keys = keys[:length]
	}
	if m.Context != nil && m.Context[row] != nil {
		keys = append(keys[:len(keys):len(keys)], m.Context[row])
	}
	return keys
}

// bagOfWords returns the context vector of every row, nil for rows without
// tokens.
func (m *Model) bagOfWords(rows [][]int) [][]float64 {
	width := 1
	for _, row := range rows {
		width = max(width, len(row))
	}
	tokens := make([][]int32, len(rows))
	mask := make([][]float64, len(rows))
	empty := make([]bool, len(rows))
	for r, row := range rows {
		tokens[r] = make([]int32, width)
		mask[r] = make([]float64, width)
		empty[r] = true
		for i, tok := range row {
			tokens[r][i] = m.token(tok)
			if tok != vocab.PAD {
				mask[r][i] = 1
				empty[r] = false
			}
		}
	}
	out := run(m.bagExec, tensors.FromValue(tokens), tensors.FromValue(mask))[0].Value().([][]float64)
	for r := range out {
		if empty[r] {
			out[r] = nil
		}
	}
	return out
}

// Encode implements generator.Model. The decoder starts from the last
// encoder state of each item.
func (m *Model) Encode(inputs [][]int, lengths []int, ctx *data.Context) (generator.State, generator.Memory) {
	n := len(inputs)
	state := &State{H: make([][]float64, n)}
	mem := &Memory{States: make([][][]float64, n)}
	width := 0
	lens := make([]int, n)
	for b, seq := range inputs {
		lens[b] = len(seq)
		if b < len(lengths) {
			lens[b] = min(lengths[b], len(seq))
		}
		width = max(width, lens[b])
		state.H[b] = make([]float64, m.Config.Hidden)
	}
	for pos := range width {
		tokens := make([]int32, n)
		for b, seq := range inputs {
			tokens[b] = vocab.PAD
			if pos < lens[b] {
				tokens[b] = m.token(seq[pos])
			}
		}
		next := run(m.encodeExec, tensors.FromValue(state.H), tensors.FromValue(tokens))[0].Value().([][]float64)
		for b := range n {
			if pos < lens[b] {
				state.H[b] = next[b]
				mem.States[b] = append(mem.States[b], next[b])
			}
		}
	}
	for b := range state.H {
		state.H[b] = append([]float64(nil), state.H[b]...)
	}

	if ctx != nil && n > 0 {
		rows := make([][]int, n)
		for b := range n {
			if b < len(ctx.PrevTurns) {
				rows[b] = append(rows[b], ctx.PrevTurns[b]...)
			}
			if b < len(ctx.ItemTitle) {
				rows[b] = append(rows[b], ctx.ItemTitle[b]...)
			}
		}
		mem.Context = m.bagOfWords(rows)
	}
	return state, mem
}

// step advances the decoder by one token per row and returns the features
// fed to the output layer with the attention weights of every row.
func (m *Model) step(inputs []int, mem *Memory, state *State, lengths []int) ([][]float64, *State, [][]float64) {
	n := len(inputs)
	if n == 0 {
		return nil, &State{}, nil
	}
	keys := make([][][]float64, n)
	numKeys := 1
	for r := range n {
		length := math.MaxInt
		if r < len(lengths) {
			length = lengths[r]
		}
		keys[r] = mem.keys(r, length)
		numKeys = max(numKeys, len(keys[r]))
	}
	padded := make([][][]float64, n)
	mask := make([][]bool, n)
	for r := range n {
		padded[r] = make([][]float64, numKeys)
		mask[r] = make([]bool, numKeys)
		for j := range numKeys {
			if j < len(keys[r]) {
				padded[r][j] = keys[r][j]
				mask[r][j] = true
			} else {
				padded[r][j] = make([]float64, m.Config.Hidden)
			}
		}
	}
	tokens := make([]int32, n)
	for r, tok := range inputs {
		tokens[r] = m.token(tok)
	}

	out := run(m.decodeExec, tensors.FromValue(state.H), tensors.FromValue(tokens),
		tensors.FromValue(padded), tensors.FromValue(mask))
	next := &State{H: out[0].Value().([][]float64)}
	feats := out[1].Value().([][]float64)
	weights := out[2].Value().([][]float64)
	attn := make([][]float64, n)
	for r := range n {
		if len(keys[r]) > 0 {
			attn[r] = weights[r][:len(keys[r])]
		}
	}
	return feats, next, attn
}

// DecodeStep implements generator.Model. The output rows are the features
// [h; attention; 1] of the output layer.
func (m *Model) DecodeStep(inputs []int, memory generator.Memory, state generator.State, memoryLengths []int) ([][]float64, generator.State, [][]float64) {
	return m.step(inputs, memory.(*Memory), state.(*State), memoryLengths)
}

// Project implements generator.Model: the output layer followed by a
// log-softmax.
func (m *Model) Project(output [][]float64) [][]float64 {
	if len(output) == 0 {
		return nil
	}
	return run(m.projectExec, tensors.FromValue(output))[0].Value().([][]float64)
}
