package haggle

import (
	"context"
	"io/fs"
	"log/slog"
	"slices"

	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/generator"
	"github.com/happyhackingspace/haggle/internal/storage"
	"github.com/happyhackingspace/haggle/seq2seq"
	"github.com/happyhackingspace/haggle/vocab"
)

// TrainConfig holds configuration for training.
type TrainConfig struct {
	Model    seq2seq.ModelConfig // VocabSize is set from the data
	Train    seq2seq.TrainConfig
	Data     data.Options
	Iter     storage.IterOptions
	MinCount int // words seen fewer times map to <unk>

	// OnEpoch and OnBatch are passed to the seq2seq trainer.
	OnEpoch func(epoch int, train, valid *seq2seq.Statistics)
	OnBatch func(epoch, batch int, stats *seq2seq.Statistics)
}

// DefaultTrainConfig returns the configuration used by haggle train.
func DefaultTrainConfig() *TrainConfig {
	return &TrainConfig{
		Model:    seq2seq.DefaultModelConfig(),
		Train:    seq2seq.DefaultTrainConfig(),
		Data:     data.DefaultOptions(),
		Iter:     storage.DefaultIterOptions(),
		MinCount: 1,
	}
}

// EvalConfig holds configuration for evaluation.
type EvalConfig struct {
	Split    string // defaults to "test"
	Decoding generator.Config
	Iter     storage.IterOptions
}

// EvalResult holds the scores of a model on a split.
type EvalResult struct {
	Dialogues  int
	Pairs      int
	Tokens     int     // target tokens, EOS included
	Loss       float64 // negative log-likelihood per target token
	Perplexity float64
	ExactMatch float64 // share of pairs whose best hypothesis is the target
	MeanLength float64 // tokens per best hypothesis
}

// readSplit reads a split, returning nil when its file does not exist.
func readSplit(store *storage.Storage, split string, opts storage.IterOptions) ([]dialogue.Example, error) {
	examples, err := store.IterExamples(split, opts)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("Split not found", "split", split, "folder", store.Folder)
		return nil, nil
	}
	return examples, err
}

// Train trains a model on the "train" (and, when present, "dev") dialogues
// of a data folder.
func Train(ctx context.Context, dataDir string, config *TrainConfig) (*Negotiator, error) {
	if config == nil {
		config = DefaultTrainConfig()
	}
	store := storage.NewStorage(dataDir)
	train, err := store.IterExamples("train", config.Iter)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	if len(train) == 0 {
		return nil, errors.Errorf("haggle: no dialogues found in %s", dataDir)
	}
	dev, err := readSplit(store, "dev", config.Iter)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}

	v := data.BuildVocab(train, config.MinCount)
	dataOpts := config.Data
	if config.Train.BatchSize > 0 {
		dataOpts.BatchSize = config.Train.BatchSize
	}
	splits := map[string][]dialogue.Example{"train": train}
	if len(dev) > 0 {
		splits["dev"] = dev
	}
	gen := data.NewGenerator(splits, v, dataOpts)
	slog.Info("Loaded dialogues", "train", len(train), "dev", len(dev),
		"pairs", gen.NumPairs("train"), "vocab", v.Size())

	modelCfg := config.Model
	modelCfg.VocabSize = v.Size()
	model, err := seq2seq.NewModel(modelCfg)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	trainer, err := seq2seq.NewTrainer(model, v, dataOpts, config.Train)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	trainer.OnEpoch = config.OnEpoch
	trainer.OnBatch = config.OnBatch
	valid, err := trainer.Learn(ctx, gen)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}

	ckpt := &seq2seq.Checkpoint{
		Model:  model,
		Vocab:  v,
		Epoch:  trainer.Config.Epochs,
		Config: trainer.Config,
		Data:   dataOpts,
	}
	if valid != nil {
		ckpt.ValidLoss = valid.MeanLoss()
	}
	return NewNegotiator(ckpt, generator.DefaultConfig())
}

// Evaluate decodes every pair of a split and scores the model against the
// reference replies.
func Evaluate(dataDir string, n *Negotiator, config *EvalConfig) (*EvalResult, error) {
	if n == nil || n.ckpt == nil {
		return nil, errors.New("haggle: negotiator not initialized")
	}
	split := "test"
	decoding := n.Decoding()
	iter := storage.DefaultIterOptions()
	if config != nil {
		if config.Split != "" {
			split = config.Split
		}
		if config.Decoding.BeamSize > 0 {
			decoding = config.Decoding
		}
		iter = config.Iter
	}

	examples, err := storage.NewStorage(dataDir).IterExamples(split, iter)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("haggle: no dialogues found in %s split %q", dataDir, split)
	}
	if err := decoding.CheckVocab(n.ckpt.Vocab.Size()); err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}

	gen := data.NewGenerator(map[string][]dialogue.Example{split: examples}, n.ckpt.Vocab, n.ckpt.Data)
	beams := generator.New(n.ckpt.Model, decoding)
	result := &EvalResult{Dialogues: len(examples)}
	var logLik float64
	var matches, length int
	for batch := range gen.Batches(split) {
		res, err := beams.Generate(batch, 1)
		if err != nil {
			return nil, errors.WithMessage(err, "haggle")
		}
		if res.GoldScores == nil {
			continue
		}
		for b := range batch.Size {
			logLik += res.GoldScores[b]
			target := trimPAD(batch.Targets[b])
			result.Tokens += len(target)
			if len(res.Predictions[b]) == 0 {
				continue
			}
			best := res.Predictions[b][0]
			length += len(best)
			if slices.Equal(best, target) {
				matches++
			}
		}
		result.Pairs += batch.Size
	}
	if result.Tokens > 0 {
		result.Loss = -logLik / float64(result.Tokens)
		result.Perplexity = (&seq2seq.Statistics{Loss: -logLik, Words: result.Tokens}).Ppl()
	}
	if result.Pairs > 0 {
		result.ExactMatch = float64(matches) / float64(result.Pairs)
		result.MeanLength = float64(length) / float64(result.Pairs)
	}
	return result, nil
}

func trimPAD(ids []int) []int {
	end := len(ids)
	for end > 0 && ids[end-1] == vocab.PAD {
		end--
	}
	return ids[:end]
}
