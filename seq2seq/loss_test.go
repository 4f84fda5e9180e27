package seq2seq

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
)

func TestLossGraphs(t *testing.T) {
	backend := must.M1(Backend())
	logits := [][]float64{{math.Log(3), 0}, {0, math.Log(3)}, {5, 0}}
	targets := []int32{0, 0, 1}
	weights := []float64{0.5, 0.5, 0} // last row is padding

	for _, smoothing := range []float64{0, 0.5} {
		exec := must.M1(context.NewExec(backend, context.New(), func(_ *context.Context, inputs []*graph.Node) []*graph.Node {
			labels := inputs[1:]
			return []*graph.Node{
				smoothedLoss(smoothing)(labels, inputs[:1]),
				nllGraph(inputs[0], labels[0], labels[1]),
				correctGraph(inputs[0], labels[0], labels[1]),
			}
		}))
		out := must.M1(exec.Exec(logits, targets, weights))
		nll := -math.Log(0.75) - math.Log(0.25)
		assert.InDelta(t, nll, tensors.ToScalar[float64](out[1]), 1e-9, "padding is masked")
		assert.InDelta(t, 1.0, tensors.ToScalar[float64](out[2]), 1e-9)
		if smoothing == 0 {
			assert.InDelta(t, 0.5*nll, tensors.ToScalar[float64](out[0]), 1e-9, "rows are weighted")
		} else {
			// Half the mass on each word: both rows cost the same.
			row := -0.5 * (math.Log(0.75) + math.Log(0.25))
			assert.InDelta(t, row, tensors.ToScalar[float64](out[0]), 1e-9)
		}
	}
}

func TestExampleTensorsPadding(t *testing.T) {
	assert.Equal(t, 1, paddedRows(0))
	assert.Equal(t, 1, paddedRows(1))
	assert.Equal(t, 4, paddedRows(3))
	assert.Equal(t, 8, paddedRows(8))

	inputs, labels := exampleTensors([][]float64{{1, 2}, {3, 4}, {5, 6}}, []int32{7, 8, 9}, 0.25, 2)
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}, {0, 0}}, inputs[0].Value())
	assert.Equal(t, []int32{7, 8, 9, 0}, labels[0].Value())
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0}, labels[1].Value())
}
