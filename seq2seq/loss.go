package seq2seq

import (
	"math/bits"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"

	"github.com/happyhackingspace/haggle/vocab"
)

// Names of the train metrics the trainer reads back after every step.
const (
	NLLMetric     = "nll"
	CorrectMetric = "correct"
)

// Training examples are rows of output layer features. The loop yields
// them as:
//
//	inputs: features [rows, FeatureSize] float64
//	labels: targets [rows] int32, weights [rows] float64
//
// Padding rows have weight 0.

// modelGraph is the train.Trainer model function.
func (m *Model) modelGraph(_ *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{m.LogitsGraph(inputs[0])}
}

// smoothedLoss returns the label-smoothed cross-entropy summed over the
// rows, each scaled by its weight. The target gets 1-smoothing of the
// mass and the rest of the vocabulary shares smoothing.
func smoothedLoss(smoothing float64) func(labels, predictions []*graph.Node) *graph.Node {
	return func(labels, predictions []*graph.Node) *graph.Node {
		logp := graph.LogSoftmax(predictions[0])
		size := logp.Shape().Dimensions[1]
		q := graph.OneHot(labels[0], size, logp.DType())
		if smoothing > 0 && size > 1 {
			off := smoothing / float64(size-1)
			q = graph.AddScalar(graph.MulScalar(q, 1-smoothing-off), off)
		}
		nll := graph.Neg(graph.ReduceSum(graph.Mul(q, logp), -1))
		return graph.ReduceAllSum(graph.Mul(nll, labels[1]))
	}
}

// rowMask is 1 for rows with a positive weight and 0 for padding.
func rowMask(weights *graph.Node) *graph.Node {
	return graph.ConvertDType(graph.GreaterThan(weights, graph.ZerosLike(weights)), weights.DType())
}

// nllGraph sums the negative log-likelihood of the targets of the rows.
func nllGraph(logits, targets, weights *graph.Node) *graph.Node {
	logp := graph.LogSoftmax(logits)
	target := graph.ReduceSum(graph.Mul(graph.OneHot(targets, logp.Shape().Dimensions[1], logp.DType()), logp), -1)
	return graph.Neg(graph.ReduceAllSum(graph.Mul(target, rowMask(weights))))
}

// correctGraph counts the rows whose target is the argmax of the logits.
func correctGraph(logits, targets, weights *graph.Node) *graph.Node {
	hits := graph.ConvertDType(graph.Equal(graph.ArgMax(logits, -1, targets.DType()), targets), weights.DType())
	return graph.ReduceAllSum(graph.Mul(hits, rowMask(weights)))
}

// trainMetrics returns the per-batch metrics read back by the trainer.
func trainMetrics() []metrics.Interface {
	metric := func(name string, fn func(logits, targets, weights *graph.Node) *graph.Node) metrics.Interface {
		return metrics.NewBaseMetric(name, name, "count",
			func(_ *context.Context, labels, predictions []*graph.Node) *graph.Node {
				return fn(predictions[0], labels[0], labels[1])
			}, nil)
	}
	return []metrics.Interface{metric(NLLMetric, nllGraph), metric(CorrectMetric, correctGraph)}
}

// exampleTensors packs the rows into the loop inputs and labels. The rows
// are padded to a power of two to bound the number of compiled graphs.
func exampleTensors(features [][]float64, targets []int32, weight float64, featureSize int) (inputs, labels []*tensors.Tensor) {
	rows := paddedRows(len(targets))
	flat := make([]float64, rows*featureSize)
	tgt := make([]int32, rows)
	weights := make([]float64, rows)
	for r := range rows {
		if r >= len(targets) {
			tgt[r] = vocab.PAD
			continue
		}
		copy(flat[r*featureSize:(r+1)*featureSize], features[r])
		tgt[r] = targets[r]
		weights[r] = weight
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, rows, featureSize)}
	labels = []*tensors.Tensor{tensors.FromValue(tgt), tensors.FromValue(weights)}
	return inputs, labels
}

// paddedRows rounds n up to a power of two, and at least 1.
func paddedRows(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// scoreGraph returns the summed negative log-likelihood and the number of
// correct argmax predictions of the rows.
func (m *Model) scoreGraph(inputs []*graph.Node) []*graph.Node {
	logits := m.LogitsGraph(inputs[0])
	return []*graph.Node{nllGraph(logits, inputs[1], inputs[2]), correctGraph(logits, inputs[1], inputs[2])}
}

// score evaluates the output layer on the feature rows without updating it.
func (m *Model) score(features [][]float64, targets []int32) (nll float64, correct int) {
	if len(targets) == 0 {
		return 0, 0
	}
	inputs, labels := exampleTensors(features, targets, 1, m.FeatureSize())
	out := run(m.scoreExec, inputs[0], labels[0], labels[1])
	return tensors.ToScalar[float64](out[0]), int(tensors.ToScalar[float64](out[1]) + 0.5)
}
