package seq2seq

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fit minimizes lossFn over a single variable starting at initial and
// returns its final value.
func fit(t *testing.T, o *Optimizer, initial []float64, steps int, lossFn func(x *graph.Node) *graph.Node) []float64 {
	t.Helper()
	backend := must.M1(Backend())
	ctx := context.New()
	x := ctx.In("model").VariableWithValue("x", initial)
	modelFn := func(_ *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{x.ValueGraph(inputs[0].Graph())}
	}
	loss := func(_, predictions []*graph.Node) *graph.Node { return lossFn(predictions[0]) }
	trainer := train.NewTrainer(backend, ctx, modelFn, loss, o, nil, nil)
	for range steps {
		_, err := trainer.TrainStep(nil, []*tensors.Tensor{tensors.FromScalar(0.0)}, []*tensors.Tensor{tensors.FromScalar(0.0)})
		require.NoError(t, err)
	}
	return must.M1(x.Value()).Value().([]float64)
}

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	for _, method := range []string{SGD, Adagrad, Adadelta, Adam} {
		t.Run(method, func(t *testing.T) {
			o := must.M1(NewOptimizer(method, 0.1, 0, 0, 0))
			x := fit(t, o, []float64{0}, 200, func(x *graph.Node) *graph.Node {
				return graph.ReduceAllSum(graph.Square(graph.AddScalar(x, -3)))
			})
			assert.Less(t, math.Abs(x[0]-3), 3.0)
		})
	}
	_, err := NewOptimizer("lbfgs", 1, 0, 0, 0)
	assert.Error(t, err)
	_, err = NewOptimizer(SGD, 0, 0, 0, 0)
	assert.Error(t, err)
}

func TestOptimizerClipsGradient(t *testing.T) {
	o := must.M1(NewOptimizer(SGD, 1, 1, 0, 0))
	x := fit(t, o, []float64{0, 0}, 1, func(x *graph.Node) *graph.Node {
		return graph.ReduceAllSum(graph.Mul(x, graph.Const(x.Graph(), []float64{3, 4})))
	})
	assert.InDeltaSlice(t, []float64{-0.6, -0.8}, x, 1e-12)

	o = must.M1(NewOptimizer(SGD, 1, 10, 0, 0))
	x = fit(t, o, []float64{0, 0}, 1, func(x *graph.Node) *graph.Node {
		return graph.ReduceAllSum(graph.Mul(x, graph.Const(x.Graph(), []float64{3, 4})))
	})
	assert.InDeltaSlice(t, []float64{-3, -4}, x, 1e-12, "norm below the limit")
}

func TestClipByGlobalNorm(t *testing.T) {
	backend := must.M1(Backend())
	exec := must.M1(context.NewExec(backend, context.New(), func(_ *context.Context, grads []*graph.Node) []*graph.Node {
		return ClipByGlobalNorm(grads, 1)
	}))
	out := must.M1(exec.Exec([]float64{3}, []float64{0, 4}))
	assert.InDeltaSlice(t, []float64{0.6}, out[0].Value(), 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0.8}, out[1].Value(), 1e-12)

	out = must.M1(exec.Exec([]float64{0}, []float64{0, 0}))
	assert.Equal(t, []float64{0, 0}, out[1].Value(), "zero gradients stay zero")
}

func TestUpdateLearningRate(t *testing.T) {
	o := must.M1(NewOptimizer(SGD, 1, 0, 0.5, 3))
	require.NoError(t, o.UpdateLearningRate(10, 1))
	assert.Equal(t, 1.0, o.LR)
	require.NoError(t, o.UpdateLearningRate(12, 2))
	assert.Equal(t, 0.5, o.LR, "perplexity got worse")
	require.NoError(t, o.UpdateLearningRate(5, 3))
	assert.Equal(t, 0.25, o.LR, "decay keeps going")

	o = must.M1(NewOptimizer(SGD, 1, 0, 0.5, 3))
	require.NoError(t, o.UpdateLearningRate(10, 1))
	require.NoError(t, o.UpdateLearningRate(9, 2))
	assert.Equal(t, 1.0, o.LR)
	require.NoError(t, o.UpdateLearningRate(8, 3))
	assert.Equal(t, 0.5, o.LR, "start_decay_at reached")
}

func TestUpdateLearningRateReachesGraph(t *testing.T) {
	o := must.M1(NewOptimizer(SGD, 1, 0, 0.5, 1))
	linear := func(x *graph.Node) *graph.Node { return graph.ReduceAllSum(x) }
	x := fit(t, o, []float64{0}, 1, linear)
	assert.InDelta(t, -1.0, x[0], 1e-12)

	require.NoError(t, o.UpdateLearningRate(10, 1))
	assert.InDelta(t, 0.5, must.M1(o.LearningRate()), 1e-12)
}
