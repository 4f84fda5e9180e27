package seq2seq

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Optimization methods.
const (
	SGD      = "sgd"
	Adagrad  = "adagrad"
	Adadelta = "adadelta"
	Adam     = "adam"
)

// Scopes of the optimizer state kept in the model context.
const (
	AdagradScope  = "Adagrad"
	AdadeltaScope = "Adadelta"
)

// gradientsOptimizer is an optimizer that can apply precomputed gradients,
// needed for clipping and for gradient accumulation.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*graph.Node, lossDType dtypes.DType)
}

// Optimizer wraps one of the GoMLX optimizers with global-norm gradient
// clipping and the learning-rate schedule of the trainer. It implements
// optimizers.Interface.
type Optimizer struct {
	Method       string
	LR           float64
	MaxGradNorm  float64 // global gradient norm clip; 0 disables
	LRDecay      float64
	StartDecayAt int

	lastPpl    float64
	startDecay bool

	inner gradientsOptimizer
	lrVar *context.Variable // set once the update graph is built
}

var _ optimizers.Interface = (*Optimizer)(nil)

// NewOptimizer validates the method and returns an optimizer.
func NewOptimizer(method string, lr, maxGradNorm, lrDecay float64, startDecayAt int) (*Optimizer, error) {
	if lr <= 0 {
		return nil, errors.Errorf("seq2seq: learning rate must be positive, got %g", lr)
	}
	var inner optimizers.Interface
	switch method {
	case SGD:
		inner = optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(lr).Done()
	case Adam:
		inner = optimizers.Adam().LearningRate(lr).Done()
	case Adagrad:
		inner = &adagrad{lr: lr}
	case Adadelta:
		inner = &adadelta{lr: lr}
	default:
		return nil, errors.Errorf("seq2seq: invalid optimization method %q", method)
	}
	withGrads, ok := inner.(gradientsOptimizer)
	if !ok {
		return nil, errors.Errorf("seq2seq: optimizer %q cannot apply precomputed gradients", method)
	}
	return &Optimizer{
		Method:       method,
		LR:           lr,
		MaxGradNorm:  maxGradNorm,
		LRDecay:      lrDecay,
		StartDecayAt: startDecayAt,
		lastPpl:      math.Inf(1),
		inner:        withGrads,
	}, nil
}

// UpdateGraph implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("seq2seq: optimizer needs a scalar loss, got %s", loss.Shape())
	}
	o.UpdateGraphWithGradients(ctx, ctx.BuildTrainableVariablesGradientsGraph(loss), loss.DType())
}

// UpdateGraphWithGradients clips grads to MaxGradNorm and hands them to the
// configured method.
func (o *Optimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*graph.Node, lossDType dtypes.DType) {
	if len(grads) == 0 {
		exceptions.Panicf("seq2seq: no trainable variables to optimize")
	}
	o.lrVar = optimizers.LearningRateVar(ctx, lossDType, o.LR)
	o.inner.UpdateGraphWithGradients(ctx, ClipByGlobalNorm(grads, o.MaxGradNorm), lossDType)
}

// Clear deletes the optimizer state and the learning-rate variable.
func (o *Optimizer) Clear(ctx *context.Context) error {
	if err := o.inner.Clear(ctx); err != nil {
		return err
	}
	o.lrVar = nil
	return ctx.In(optimizers.Scope).DeleteVariablesInScope()
}

// ClipByGlobalNorm scales grads down so that their joint L2 norm is at most
// maxNorm. A maxNorm <= 0 returns grads unchanged.
func ClipByGlobalNorm(grads []*graph.Node, maxNorm float64) []*graph.Node {
	if maxNorm <= 0 || len(grads) == 0 {
		return grads
	}
	g := grads[0].Graph()
	sumSq := graph.Scalar(g, dtypes.Float64, 0)
	for _, grad := range grads {
		sumSq = graph.Add(sumSq, graph.ReduceAllSum(graph.Square(toDType(grad, dtypes.Float64))))
	}
	// max/0 is +Inf, so a zero gradient keeps scale 1.
	scale := graph.Min(graph.Scalar(g, dtypes.Float64, 1), graph.Div(graph.Scalar(g, dtypes.Float64, maxNorm), graph.Sqrt(sumSq)))
	out := make([]*graph.Node, len(grads))
	for i, grad := range grads {
		out[i] = graph.Mul(grad, toDType(scale, grad.DType()))
	}
	return out
}

func toDType(x *graph.Node, dtype dtypes.DType) *graph.Node {
	if x.DType() == dtype {
		return x
	}
	return graph.ConvertDType(x, dtype)
}

// UpdateLearningRate decays the learning rate once the epoch reaches
// StartDecayAt or the validation perplexity stops improving. Decay, once
// started, applies every epoch.
func (o *Optimizer) UpdateLearningRate(ppl float64, epoch int) error {
	if o.StartDecayAt > 0 && epoch >= o.StartDecayAt {
		o.startDecay = true
	}
	if ppl > o.lastPpl {
		o.startDecay = true
	}
	o.lastPpl = ppl
	if !o.startDecay || o.LRDecay <= 0 {
		return nil
	}
	o.LR *= o.LRDecay
	slog.Info("Decaying learning rate", "lr", o.LR, "epoch", epoch)
	if o.lrVar == nil {
		return nil
	}
	return errors.Wrap(o.lrVar.SetValue(tensors.FromScalar(o.LR)), "seq2seq: setting learning rate")
}

// LearningRate returns the learning rate the update graph currently uses.
func (o *Optimizer) LearningRate() (float64, error) {
	if o.lrVar == nil {
		return o.LR, nil
	}
	t, err := o.lrVar.Value()
	if err != nil {
		return 0, err
	}
	return tensors.ToScalar[float64](t), nil
}

// forEachTrainable calls fn with every trainable variable of the graph and
// its gradient, in the order of Context.BuildTrainableVariablesGradientsGraph.
func forEachTrainable(ctx *context.Context, g *graph.Graph, grads []*graph.Node, fn func(v *context.Variable, grad *graph.Node)) {
	i := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if i >= len(grads) {
			exceptions.Panicf("seq2seq: more trainable variables than the %d gradients", len(grads))
		}
		fn(v, grads[i])
		i++
	}
	if i != len(grads) {
		exceptions.Panicf("seq2seq: %d gradients for %d trainable variables", len(grads), i)
	}
}

// slotVariable returns the zero-initialized optimizer state named after v.
func slotVariable(ctx *context.Context, scope string, v *context.Variable, suffix string) *context.Variable {
	path := fmt.Sprintf("%s%s%s", context.ScopeSeparator, scope, v.Scope())
	return ctx.InAbsPath(path).Checked(false).
		WithInitializer(func(g *graph.Graph, shape shapes.Shape) *graph.Node { return graph.Zeros(g, shape) }).
		VariableWithShape(v.Name()+"_"+suffix, v.Shape()).
		SetTrainable(false)
}

// learningRateGraph returns the learning rate and bumps the global step,
// as the GoMLX optimizers do.
func learningRateGraph(ctx *context.Context, g *graph.Graph, dtype dtypes.DType, lr float64) *graph.Node {
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	return optimizers.LearningRateVar(ctx, dtype, lr).ValueGraph(g)
}

// adagrad divides every step by the root of the running sum of squared
// gradients, seeded with adagradInit.
type adagrad struct {
	lr float64
}

const adagradInit = 0.1

func (o *adagrad) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	o.UpdateGraphWithGradients(ctx, ctx.BuildTrainableVariablesGradientsGraph(loss), loss.DType())
}

func (o *adagrad) UpdateGraphWithGradients(ctx *context.Context, grads []*graph.Node, lossDType dtypes.DType) {
	g := grads[0].Graph()
	lr := learningRateGraph(ctx, g, lossDType, o.lr)
	forEachTrainable(ctx, g, grads, func(v *context.Variable, grad *graph.Node) {
		sumVar := slotVariable(ctx, AdagradScope, v, "sum_sq")
		sum := graph.Add(sumVar.ValueGraph(g), graph.Square(grad))
		sumVar.SetValueGraph(sum)
		step := graph.Div(graph.Mul(toDType(lr, grad.DType()), grad), graph.Sqrt(graph.AddScalar(sum, adagradInit)))
		v.SetValueGraph(graph.Sub(v.ValueGraph(g), step))
	})
}

func (o *adagrad) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + AdagradScope).DeleteVariablesInScope()
}

// adadelta keeps decaying averages of the squared gradients and of the
// squared updates, and scales each step by the ratio of their roots.
type adadelta struct {
	lr float64
}

const (
	adadeltaRho     = 0.95
	adadeltaEpsilon = 1e-6
)

func (o *adadelta) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	o.UpdateGraphWithGradients(ctx, ctx.BuildTrainableVariablesGradientsGraph(loss), loss.DType())
}

func (o *adadelta) UpdateGraphWithGradients(ctx *context.Context, grads []*graph.Node, lossDType dtypes.DType) {
	g := grads[0].Graph()
	lr := learningRateGraph(ctx, g, lossDType, o.lr)
	forEachTrainable(ctx, g, grads, func(v *context.Variable, grad *graph.Node) {
		gradVar := slotVariable(ctx, AdadeltaScope, v, "grad_sq")
		deltaVar := slotVariable(ctx, AdadeltaScope, v, "delta_sq")
		gradSq := graph.Add(graph.MulScalar(gradVar.ValueGraph(g), adadeltaRho), graph.MulScalar(graph.Square(grad), 1-adadeltaRho))
		gradVar.SetValueGraph(gradSq)
		delta := graph.Mul(graph.Div(graph.Sqrt(graph.AddScalar(deltaVar.ValueGraph(g), adadeltaEpsilon)), graph.Sqrt(graph.AddScalar(gradSq, adadeltaEpsilon))), grad)
		deltaVar.SetValueGraph(graph.Add(graph.MulScalar(deltaVar.ValueGraph(g), adadeltaRho), graph.MulScalar(graph.Square(delta), 1-adadeltaRho)))
		v.SetValueGraph(graph.Sub(v.ValueGraph(g), graph.Mul(toDType(lr, grad.DType()), delta)))
	})
}

func (o *adadelta) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + AdadeltaScope).DeleteVariablesInScope()
}
