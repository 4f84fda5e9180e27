package seq2seq

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/vocab"
)

// TrainConfig holds the training hyperparameters.
type TrainConfig struct {
	BatchSize         int     `json:"batch_size"`
	Epochs            int     `json:"epochs"`
	StartEpoch        int     `json:"start_epoch"`
	Optim             string  `json:"optim"`
	MaxGradNorm       float64 `json:"max_grad_norm"`
	Dropout           float64 `json:"dropout"` // on the output features
	LearningRate      float64 `json:"learning_rate"`
	LRDecay           float64 `json:"learning_rate_decay"`
	StartDecayAt      int     `json:"start_decay_at"`
	LabelSmoothing    float64 `json:"label_smoothing"`
	AccumCount        int     `json:"accum_count"` // batches per update
	ReportEvery       int     `json:"report_every"`
	ModelPath         string  `json:"model_path"` // checkpoint directory; empty disables checkpoints
	ModelFilename     string  `json:"model_filename"`
	StartCheckpointAt int     `json:"start_checkpoint_at"`
	Seed              uint64  `json:"seed"`
}

// DefaultTrainConfig returns the hyperparameters used by haggle train.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		BatchSize:     64,
		Epochs:        14,
		StartEpoch:    1,
		Optim:         SGD,
		MaxGradNorm:   5,
		Dropout:       0.3,
		LearningRate:  1.0,
		LRDecay:       0.5,
		StartDecayAt:  8,
		AccumCount:    1,
		ReportEvery:   5,
		ModelPath:     "data/checkpoints",
		ModelFilename: "model",
		Seed:          1,
	}
}

// Trainer fits the output layer of a model with a GoMLX training loop.
//
// Every training batch is run through the fixed encoder and decoder with
// teacher forcing; the features of the non-PAD targets become one step of
// the loop, which updates the output layer.
type Trainer struct {
	Model  *Model
	Vocab  *vocab.Vocab
	Data   data.Options
	Config TrainConfig
	Optim  *Optimizer

	// OnBatch, when set, is called after every training batch.
	OnBatch func(epoch, batch int, stats *Statistics)
	// OnEpoch, when set, is called after every epoch with its training
	// and validation statistics.
	OnEpoch func(epoch int, train, valid *Statistics)

	rng        *rand.Rand
	trainer    *train.Trainer
	loop       *train.Loop
	nllIdx     int
	correctIdx int

	// Per-epoch state, owned by the loop hooks.
	epoch, batch int
	numBatches   int
	pending      *Statistics // counts of the batch being yielded
	total        *Statistics
	report       *Statistics

	learning *data.Generator // set while Learn drives the epochs
	valid    *Statistics
}

// NewTrainer validates cfg and creates a trainer for model.
func NewTrainer(model *Model, v *vocab.Vocab, dataOpts data.Options, cfg TrainConfig) (*Trainer, error) {
	if model == nil || v == nil {
		return nil, errors.New("seq2seq: trainer needs a model and a vocabulary")
	}
	if model.Config.VocabSize != v.Size() {
		return nil, errors.Errorf("seq2seq: model vocabulary %d does not match %d words", model.Config.VocabSize, v.Size())
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.Errorf("seq2seq: dropout must be in [0, 1), got %g", cfg.Dropout)
	}
	if cfg.LabelSmoothing < 0 || cfg.LabelSmoothing >= 1 {
		return nil, errors.Errorf("seq2seq: label smoothing must be in [0, 1), got %g", cfg.LabelSmoothing)
	}
	if cfg.AccumCount < 1 {
		cfg.AccumCount = 1
	}
	if cfg.StartEpoch < 1 {
		cfg.StartEpoch = 1
	}
	if cfg.ModelFilename == "" {
		cfg.ModelFilename = "model"
	}
	optim, err := NewOptimizer(cfg.Optim, cfg.LearningRate, cfg.MaxGradNorm, cfg.LRDecay, cfg.StartDecayAt)
	if err != nil {
		return nil, err
	}
	backend, err := Backend()
	if err != nil {
		return nil, errors.Wrap(err, "seq2seq: creating backend")
	}
	// Drop the state of an earlier trainer of the same model.
	if err := optim.Clear(model.Context()); err != nil {
		return nil, errors.WithMessage(err, "seq2seq: clearing optimizer state")
	}

	t := &Trainer{
		Model:  model,
		Vocab:  v,
		Data:   dataOpts,
		Config: cfg,
		Optim:  optim,
		rng:    rand.New(rand.NewPCG(cfg.Seed, 3)),
	}
	t.trainer = train.NewTrainer(backend, model.Context(), model.modelGraph,
		smoothedLoss(cfg.LabelSmoothing), optim, trainMetrics(), nil)
	if cfg.AccumCount > 1 {
		if err := t.trainer.AccumulateGradients(cfg.AccumCount); err != nil {
			return nil, errors.WithMessage(err, "seq2seq: gradient accumulation")
		}
	}
	t.nllIdx, t.correctIdx = -1, -1
	for i, metric := range t.trainer.TrainMetrics() {
		switch metric.Name() {
		case NLLMetric:
			t.nllIdx = i
		case CorrectMetric:
			t.correctIdx = i
		}
	}
	if t.nllIdx < 0 || t.correctIdx < 0 {
		return nil, errors.New("seq2seq: trainer is missing its metrics")
	}

	t.loop = train.NewLoop(t.trainer)
	t.loop.OnStep("batch statistics", 100, t.onStep)
	t.loop.OnEnd("epoch end", 100, t.onEnd)
	return t, nil
}

// Learn trains for the configured epochs and returns the statistics of the
// last validation run. Without a "dev" split the training statistics stand
// in for validation.
func (t *Trainer) Learn(ctx context.Context, gen *data.Generator) (*Statistics, error) {
	t.learning, t.valid = gen, nil
	defer func() { t.learning = nil }()
	for epoch := t.Config.StartEpoch; epoch <= t.Config.Epochs; epoch++ {
		slog.Info("Starting epoch", "epoch", epoch, "batches", gen.NumBatches("train"))
		if _, err := t.TrainEpoch(ctx, gen, epoch); err != nil {
			return t.valid, err
		}
	}
	return t.valid, nil
}

// TrainEpoch runs one pass of the loop over the "train" split.
func (t *Trainer) TrainEpoch(ctx context.Context, gen *data.Generator, epoch int) (*Statistics, error) {
	t.epoch, t.batch = epoch, 0
	t.numBatches = gen.NumBatches("train")
	t.total, t.report = NewStatistics(), NewStatistics()

	ds := &batchDataset{ctx: ctx, trainer: t, gen: gen, split: "train"}
	defer ds.Reset()
	_, err := t.loop.RunEpochs(ds, 1)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return t.total, errors.Wrap(ctxErr, "seq2seq: training interrupted")
	}
	if err != nil {
		return t.total, errors.WithMessagef(err, "seq2seq: epoch %d", epoch)
	}
	return t.total, nil
}

// Validate computes the loss over a split without updating the model.
func (t *Trainer) Validate(gen *data.Generator, split string) *Statistics {
	stats := NewStatistics()
	for batch := range gen.Batches(split) {
		features, targets := t.features(batch, false)
		nll, correct := t.Model.score(features, targets)
		stats.Update(&Statistics{Loss: nll, Words: len(targets), Correct: correct, Sentence: batch.Size})
	}
	return stats
}

// EpochStep updates the learning rate from the validation perplexity.
func (t *Trainer) EpochStep(ppl float64, epoch int) error {
	return t.Optim.UpdateLearningRate(ppl, epoch)
}

// CheckpointName returns the file name of the checkpoint of an epoch.
func (t *Trainer) CheckpointName(epoch int, validLoss float64) string {
	return fmt.Sprintf("%s_loss%.2f_e%d.json", t.Config.ModelFilename, validLoss, epoch)
}

// DropCheckpoint saves the current model under ModelPath and returns the path.
func (t *Trainer) DropCheckpoint(epoch int, valid *Statistics) (string, error) {
	path := filepath.Join(t.Config.ModelPath, t.CheckpointName(epoch, valid.MeanLoss()))
	err := SaveCheckpoint(path, &Checkpoint{
		Model:     t.Model,
		Vocab:     t.Vocab,
		Epoch:     epoch,
		ValidLoss: valid.MeanLoss(),
		Config:    t.Config,
		Data:      t.Data,
	})
	if err != nil {
		return "", err
	}
	slog.Info("Saved checkpoint", "path", path)
	return path, nil
}

// onStep reads the metrics of the step back into the batch statistics.
func (t *Trainer) onStep(_ *train.Loop, values []*tensors.Tensor) error {
	stats := t.pending
	if stats == nil {
		return errors.New("seq2seq: train step without a batch")
	}
	t.pending = nil
	stats.Loss = tensors.ToScalar[float64](values[t.nllIdx])
	stats.Correct = int(tensors.ToScalar[float64](values[t.correctIdx]) + 0.5)

	t.batch++
	t.total.Update(stats)
	t.report.Update(stats)
	if t.Config.ReportEvery > 0 && t.batch%t.Config.ReportEvery == 0 {
		lr, err := t.Optim.LearningRate()
		if err != nil {
			return err
		}
		t.report.Output(t.epoch, t.batch, t.numBatches, lr)
		t.report = NewStatistics()
	}
	if t.OnBatch != nil {
		t.OnBatch(t.epoch, t.batch, stats)
	}
	return nil
}

// onEnd validates, decays the learning rate and checkpoints after every
// epoch run by Learn.
func (t *Trainer) onEnd(_ *train.Loop, _ []*tensors.Tensor) error {
	gen := t.learning
	if gen == nil {
		return nil
	}
	trained := t.total
	slog.Info("Train", "epoch", t.epoch, "ppl", trained.Ppl(), "acc", trained.Accuracy())

	valid := trained
	if gen.NumBatches("dev") > 0 {
		valid = t.Validate(gen, "dev")
		slog.Info("Validation", "epoch", t.epoch, "ppl", valid.Ppl(), "acc", valid.Accuracy())
	}
	t.valid = valid
	if err := t.EpochStep(valid.Ppl(), t.epoch); err != nil {
		return err
	}
	if t.Config.ModelPath != "" && t.epoch >= t.Config.StartCheckpointAt {
		if _, err := t.DropCheckpoint(t.epoch, valid); err != nil {
			return err
		}
	}
	if t.OnEpoch != nil {
		t.OnEpoch(t.epoch, trained, valid)
	}
	return nil
}

// features runs batch with teacher forcing and returns the output layer
// features of every non-PAD target, with dropout when training.
func (t *Trainer) features(batch *data.Batch, training bool) ([][]float64, []int32) {
	if batch.Targets == nil {
		return nil, nil
	}
	m := t.Model
	st, mem := m.Encode(batch.EncoderInputs, batch.Lengths, batch.Context)
	state, memory := st.(*State), mem.(*Memory)

	width := 0
	for _, row := range batch.DecoderInputs {
		width = max(width, len(row))
	}
	var features [][]float64
	var targets []int32
	for pos := range width {
		inputs := make([]int, batch.Size)
		for b, row := range batch.DecoderInputs {
			inputs[b] = vocab.PAD
			if pos < len(row) {
				inputs[b] = row[pos]
			}
		}
		var feats [][]float64
		feats, state, _ = m.step(inputs, memory, state, batch.Lengths)
		for b, f := range feats {
			if pos >= len(batch.Targets[b]) || batch.Targets[b][pos] == vocab.PAD {
				continue
			}
			if training && t.Config.Dropout > 0 {
				f = t.dropout(f)
			}
			features = append(features, f)
			targets = append(targets, m.token(batch.Targets[b][pos]))
		}
	}
	return features, targets
}

// dropout zeroes features with probability Dropout and rescales the rest.
// The trailing bias feature is kept.
func (t *Trainer) dropout(f []float64) []float64 {
	p := t.Config.Dropout
	out := make([]float64, len(f))
	last := len(f) - 1
	for i, x := range f {
		switch {
		case i == last:
			out[i] = x
		case t.rng.Float64() >= p:
			out[i] = x / (1 - p)
		}
	}
	return out
}

// batchDataset yields the batches of a split as loop steps. It implements
// train.Dataset; the batches are drawn lazily so the split is shuffled once
// per pass.
type batchDataset struct {
	ctx     context.Context
	trainer *Trainer
	gen     *data.Generator
	split   string

	next func() (*data.Batch, bool)
	stop func()
}

var _ train.Dataset = (*batchDataset)(nil)

func (ds *batchDataset) Name() string { return ds.split }

func (ds *batchDataset) Reset() {
	if ds.stop != nil {
		ds.stop()
	}
	ds.next, ds.stop = nil, nil
}

func (ds *batchDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	if err := ds.ctx.Err(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "seq2seq: training interrupted")
	}
	if ds.next == nil {
		ds.next, ds.stop = iter.Pull(ds.gen.Batches(ds.split))
	}
	batch, ok := ds.next()
	if !ok {
		return nil, nil, nil, io.EOF
	}
	t := ds.trainer
	features, targets := t.features(batch, true)
	t.pending = &Statistics{Words: len(targets), Sentence: batch.Size}
	// Each sentence weighs the same in the loss, as the gradient is a mean
	// over the sentences of the batch.
	weight := 0.0
	if batch.Size > 0 {
		weight = 1 / float64(batch.Size)
	}
	inputs, labels := exampleTensors(features, targets, weight, t.Model.FeatureSize())
	return nil, inputs, labels, nil
}
