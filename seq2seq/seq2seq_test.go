package seq2seq

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/generator"
	"github.com/happyhackingspace/haggle/vocab"
)

func testExamples() []dialogue.Example {
	dialogues := [][]string{
		{"Hi, is the bike still available?", "Yes it is available.", "Would you take $50?", "No, $80 is my price."},
		{"Hello, is it still for sale?", "Yes it is.", "Can you do $40?", "I can do $60."},
	}
	var examples []dialogue.Example
	for i, lines := range dialogues {
		ex := dialogue.Example{
			UUID:     string(rune('a' + i)),
			Scenario: &dialogue.Scenario{Title: "Road bike"},
		}
		for turn, line := range lines {
			ex.Events = append(ex.Events, dialogue.Event{Agent: turn % 2, Action: dialogue.ActionMessage, Data: line, Turn: turn})
		}
		examples = append(examples, ex)
	}
	return examples
}

type fixture struct {
	vocab *vocab.Vocab
	opts  data.Options
	gen   *data.Generator
	model *Model
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	examples := testExamples()
	v := data.BuildVocab(examples, 1)
	opts := data.DefaultOptions()
	opts.BatchSize = 4
	gen := data.NewGenerator(map[string][]dialogue.Example{"train": examples, "dev": examples}, v, opts)
	cfg := DefaultModelConfig()
	cfg.VocabSize = v.Size()
	cfg.Hidden = 16
	return &fixture{vocab: v, opts: opts, gen: gen, model: must.M1(NewModel(cfg))}
}

func testTrainConfig() TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.Optim = Adam
	cfg.LearningRate = 0.01
	cfg.Dropout = 0
	cfg.Epochs = 10
	cfg.ReportEvery = 0
	cfg.ModelPath = ""
	return cfg
}

func TestNewModelErrors(t *testing.T) {
	_, err := NewModel(ModelConfig{VocabSize: 2, Hidden: 4})
	assert.Error(t, err)
	_, err = NewModel(ModelConfig{VocabSize: 10})
	assert.Error(t, err)
}

func TestProjectIsLogSoftmax(t *testing.T) {
	f := newFixture(t)
	st, mem := f.model.Encode([][]int{{5, 6, vocab.PAD}, {7, vocab.PAD, vocab.PAD}}, []int{2, 1}, nil)
	out, next, attn := f.model.DecodeStep([]int{vocab.BOS, vocab.BOS}, mem, st, []int{2, 1})
	require.Len(t, out, 2)
	assert.Len(t, next.(*State).H, 2)
	assert.Len(t, attn[0], 2)
	assert.Len(t, attn[1], 1, "attention stops at the memory length")

	for _, row := range f.model.Project(out) {
		require.Len(t, row, f.vocab.Size())
		var sum float64
		for _, lp := range row {
			assert.LessOrEqual(t, lp, 0.0)
			sum += math.Exp(lp)
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestContextAddsAttentionKey(t *testing.T) {
	f := newFixture(t)
	ctx := &data.Context{PrevTurns: [][]int{{5, 6}, nil}, ItemTitle: [][]int{{7}, nil}}
	st, mem := f.model.Encode([][]int{{5}, {6}}, []int{1, 1}, ctx)
	_, _, attn := f.model.DecodeStep([]int{vocab.BOS, vocab.BOS}, mem, st, []int{1, 1})
	assert.Len(t, attn[0], 2, "encoder state plus context")
	assert.Len(t, attn[1], 1, "empty context is skipped")
}

func TestStateReorderRepeat(t *testing.T) {
	s := &State{H: [][]float64{{1}, {2}}}
	s.Repeat(2)
	assert.Equal(t, [][]float64{{1}, {1}, {2}, {2}}, s.H)
	s.Reorder([]int{3, 0, 0, 1})
	assert.Equal(t, [][]float64{{2}, {1}, {1}, {1}}, s.H)
	s.H[1][0] = 9
	assert.Equal(t, 1.0, s.H[2][0], "rows are copied")

	m := &Memory{States: [][][]float64{{{1}}, {{2}}}, Context: [][]float64{nil, {3}}}
	r := m.Repeat(3).(*Memory)
	assert.Len(t, r.States, 6)
	assert.Equal(t, [][]float64{nil, nil, nil, {3}, {3}, {3}}, r.Context)
}

func TestModelDrivesGenerator(t *testing.T) {
	f := newFixture(t)
	pair := data.NewPair([][]int{f.vocab.Encode(data.UtteranceTokens("would you take $50?"))}, nil, nil, f.opts)
	batch := data.NewBatch([]data.Pair{pair, pair}, true)

	cfg := generator.DefaultConfig()
	cfg.BeamSize = 3
	cfg.NBest = 3
	cfg.MaxLength = 6
	res := must.M1(generator.New(f.model, cfg).Generate(batch, 1))
	require.Len(t, res.Predictions, 2)
	for b := range 2 {
		require.Len(t, res.Predictions[b], 3)
		for r := 1; r < 3; r++ {
			assert.GreaterOrEqual(t, res.Scores[b][r-1], res.Scores[b][r])
		}
	}
	assert.Equal(t, res.Predictions[0], res.Predictions[1], "identical items decode identically")
}

func TestTrainingReducesLoss(t *testing.T) {
	f := newFixture(t)
	trainer := must.M1(NewTrainer(f.model, f.vocab, f.opts, testTrainConfig()))
	before := trainer.Validate(f.gen, "train")
	require.Positive(t, before.Words)

	var epochs []int
	trainer.OnEpoch = func(epoch int, train, valid *Statistics) { epochs = append(epochs, epoch) }
	valid := must.M1(trainer.Learn(context.Background(), f.gen))
	assert.Len(t, epochs, 10)
	assert.Less(t, valid.MeanLoss(), before.MeanLoss())
	assert.Less(t, valid.Ppl(), before.Ppl())
	assert.Equal(t, before.Words, valid.Words)
}

func TestTrainerGradientAccumulation(t *testing.T) {
	f := newFixture(t)
	cfg := testTrainConfig()
	numBatches := f.gen.NumBatches("train")
	cfg.AccumCount = numBatches + 1
	cfg.Dropout = 0.3
	cfg.LabelSmoothing = 0.1
	trainer := must.M1(NewTrainer(f.model, f.vocab, f.opts, cfg))
	var batches int
	trainer.OnBatch = func(epoch, batch int, stats *Statistics) { batches = batch }

	before := must.M1(f.model.OutputWeights())
	stats := must.M1(trainer.TrainEpoch(context.Background(), f.gen, 1))
	assert.Equal(t, numBatches, batches)
	assert.Equal(t, f.gen.NumPairs("train"), stats.Sentence)
	assert.Positive(t, stats.Words)
	assert.Equal(t, before, must.M1(f.model.OutputWeights()), "gradient still pending")

	must.M1(trainer.TrainEpoch(context.Background(), f.gen, 2))
	assert.NotEqual(t, before, must.M1(f.model.OutputWeights()), "pending gradient carried into the next epoch")
}

func TestTrainerInterrupted(t *testing.T) {
	f := newFixture(t)
	trainer := must.M1(NewTrainer(f.model, f.vocab, f.opts, testTrainConfig()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := trainer.Learn(ctx, f.gen)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewTrainerErrors(t *testing.T) {
	f := newFixture(t)
	for name, mutate := range map[string]func(*TrainConfig){
		"optim":     func(c *TrainConfig) { c.Optim = "rmsprop" },
		"lr":        func(c *TrainConfig) { c.LearningRate = 0 },
		"dropout":   func(c *TrainConfig) { c.Dropout = 1 },
		"smoothing": func(c *TrainConfig) { c.LabelSmoothing = -0.1 },
	} {
		cfg := testTrainConfig()
		mutate(&cfg)
		_, err := NewTrainer(f.model, f.vocab, f.opts, cfg)
		assert.Error(t, err, name)
	}
	_, err := NewTrainer(f.model, vocab.New(), f.opts, testTrainConfig())
	assert.Error(t, err)
}

func TestCheckpoints(t *testing.T) {
	f := newFixture(t)
	cfg := testTrainConfig()
	cfg.Epochs = 2
	cfg.ModelPath = filepath.Join(t.TempDir(), "checkpoints")
	cfg.StartCheckpointAt = 2
	trainer := must.M1(NewTrainer(f.model, f.vocab, f.opts, cfg))
	valid := must.M1(trainer.Learn(context.Background(), f.gen))

	entries := must.M1(os.ReadDir(cfg.ModelPath))
	require.Len(t, entries, 1)
	assert.Equal(t, trainer.CheckpointName(2, valid.MeanLoss()), entries[0].Name())
	assert.Regexp(t, `^model_loss\d+\.\d\d_e2\.json$`, entries[0].Name())

	ckpt := must.M1(LoadCheckpoint(filepath.Join(cfg.ModelPath, entries[0].Name())))
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, f.vocab.ToStr, ckpt.Vocab.ToStr)
	assert.Equal(t, cfg.Epochs, ckpt.Config.Epochs)
	assert.Equal(t, f.opts, ckpt.Data)

	inputs := [][]int{{5, 6, 7}}
	st1, mem1 := f.model.Encode(inputs, []int{3}, nil)
	st2, mem2 := ckpt.Model.Encode(inputs, []int{3}, nil)
	out1, _, _ := f.model.DecodeStep([]int{vocab.BOS}, mem1, st1, []int{3})
	out2, _, _ := ckpt.Model.DecodeStep([]int{vocab.BOS}, mem2, st2, []int{3})
	assert.InDeltaSlice(t, out1[0], out2[0], 1e-12, "reservoir is rebuilt from the seed")
	assert.InDeltaSlice(t, f.model.Project(out1)[0], ckpt.Model.Project(out2)[0], 1e-12, "trained output layer is saved")
}

func TestLoadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadCheckpoint(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"model":{"config":{"vocab_size":5,"hidden":2},"output":[[1]]}}`), 0644))
	_, err = LoadCheckpoint(bad)
	assert.ErrorContains(t, err, "output layer")

	assert.Error(t, SaveCheckpoint(filepath.Join(dir, "x.json"), &Checkpoint{}))
}

func TestStatistics(t *testing.T) {
	s := NewStatistics()
	assert.Zero(t, s.MeanLoss())
	assert.Zero(t, s.Accuracy())
	s.Update(&Statistics{Loss: 2 * math.Log(4), Words: 2, Correct: 1, Sentence: 1})
	assert.InDelta(t, 4.0, s.Ppl(), 1e-9)
	assert.InDelta(t, 50.0, s.Accuracy(), 1e-9)
	assert.Equal(t, 1, s.Sentence)
}
