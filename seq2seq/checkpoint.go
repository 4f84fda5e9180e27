package seq2seq

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/vocab"
)

// Checkpoint is everything needed to resume training or serve a model.
type Checkpoint struct {
	Model     *Model       `json:"model"`
	Vocab     *vocab.Vocab `json:"vocab"`
	Epoch     int          `json:"epoch"`
	ValidLoss float64      `json:"valid_loss"`
	Config    TrainConfig  `json:"train"`
	Data      data.Options `json:"data"`
}

// SaveCheckpoint writes a checkpoint as JSON, creating the directory.
func SaveCheckpoint(path string, ckpt *Checkpoint) error {
	if ckpt == nil || ckpt.Model == nil || ckpt.Vocab == nil {
		return errors.New("seq2seq: incomplete checkpoint")
	}
	b, err := json.Marshal(ckpt)
	if err != nil {
		return errors.Wrap(err, "seq2seq: encoding checkpoint")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "seq2seq: creating %s", dir)
		}
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrapf(err, "seq2seq: writing %s", path)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "seq2seq: reading %s", path)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return nil, errors.Wrapf(err, "seq2seq: decoding %s", path)
	}
	if ckpt.Model == nil || ckpt.Vocab == nil {
		return nil, errors.Errorf("seq2seq: %s has no model or vocabulary", path)
	}
	if ckpt.Model.Config.VocabSize != ckpt.Vocab.Size() {
		return nil, errors.Errorf("seq2seq: model vocabulary %d does not match %d words",
			ckpt.Model.Config.VocabSize, ckpt.Vocab.Size())
	}
	return &ckpt, nil
}
