// Package haggle generates the next utterance of a price negotiation.
//
// A Negotiator wraps a trained encoder-decoder checkpoint and a beam search
// generator:
//
//	n, _ := haggle.New()
//	replies, _ := n.Reply([]string{"Hi, is the bike still available?"}, "Road bike", 0)
//	fmt.Println(replies[0].Text) // "yes it is . are you interested ?"
//
// Prices in the history are replaced by a marker before decoding; when a
// price is passed to Reply, the markers of the replies are filled with it.
package haggle

import (
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/data"
	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/generator"
	"github.com/happyhackingspace/haggle/internal/textutil"
	"github.com/happyhackingspace/haggle/seq2seq"
)

// ModelFile is the model file name New looks for.
const ModelFile = "model.json"

// Negotiator answers negotiation turns with a trained model.
type Negotiator struct {
	ckpt *seq2seq.Checkpoint
	gen  *generator.Generator
}

var _ dialogue.Responder = (*Negotiator)(nil)

// Reply is one ranked response.
type Reply struct {
	Text   string   `json:"text"`
	Tokens []string `json:"tokens"`
	Score  float64  `json:"score"`
}

// New loads the model from "model.json", searching the current directory
// and parent directories up to the module root (where go.mod lives), then
// ModelDir.
func New() (*Negotiator, error) {
	path, err := findModel(ModelFile)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	return Load(path)
}

func findModel(name string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	path := filepath.Join(ModelDir(), name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", errors.Errorf("%s not found", name)
}

// ModelDir returns the per-user directory holding downloaded models.
func ModelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".haggle"
	}
	return filepath.Join(home, ".haggle")
}

// Load loads a checkpoint and decodes with generator.DefaultConfig.
func Load(path string) (*Negotiator, error) {
	ckpt, err := seq2seq.LoadCheckpoint(path)
	if err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	return NewNegotiator(ckpt, generator.DefaultConfig())
}

// NewNegotiator wraps a checkpoint already in memory.
func NewNegotiator(ckpt *seq2seq.Checkpoint, cfg generator.Config) (*Negotiator, error) {
	if ckpt == nil || ckpt.Model == nil || ckpt.Vocab == nil {
		return nil, errors.New("haggle: incomplete checkpoint")
	}
	n := &Negotiator{ckpt: ckpt}
	if err := n.SetDecoding(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

// Save writes the model to path.
func (n *Negotiator) Save(path string) error {
	if n.ckpt == nil {
		return errors.New("haggle: negotiator not initialized")
	}
	return errors.WithMessage(seq2seq.SaveCheckpoint(path, n.ckpt), "haggle")
}

// SetDecoding replaces the beam search parameters.
func (n *Negotiator) SetDecoding(cfg generator.Config) error {
	if err := cfg.CheckVocab(n.ckpt.Vocab.Size()); err != nil {
		return errors.WithMessage(err, "haggle")
	}
	n.gen = generator.New(n.ckpt.Model, cfg)
	return nil
}

// Decoding returns the beam search parameters.
func (n *Negotiator) Decoding() generator.Config {
	return n.gen.Config()
}

// Checkpoint returns the underlying checkpoint.
func (n *Negotiator) Checkpoint() *seq2seq.Checkpoint {
	return n.ckpt
}

// decode runs the beam search for one dialogue state. Contract violations
// inside the search come back as errors.
func (n *Negotiator) decode(history [][]string, title string) (*generator.Result, error) {
	if n.gen == nil {
		return nil, errors.New("haggle: negotiator not initialized")
	}
	v := n.ckpt.Vocab
	ids := make([][]int, len(history))
	for i, h := range history {
		ids[i] = v.Encode(h)
	}
	pair := data.NewPair(ids, v.Encode(textutil.Tokenize(title)), nil, n.ckpt.Data)
	batch := data.NewBatch([]data.Pair{pair}, n.ckpt.Data.UseContext)

	var res *generator.Result
	var genErr error
	if err := exceptions.TryCatch[error](func() { res, genErr = n.gen.Generate(batch, 1) }); err != nil {
		return nil, errors.WithMessage(err, "haggle")
	}
	if genErr != nil {
		return nil, errors.WithMessage(genErr, "haggle")
	}
	return res, nil
}

// Respond returns the tokens of the best reply to a tokenized history, with
// prices left as textutil.PriceMarker. It implements dialogue.Responder.
func (n *Negotiator) Respond(history [][]string, title string) ([]string, error) {
	res, err := n.decode(history, title)
	if err != nil {
		return nil, err
	}
	if len(res.Predictions[0]) == 0 {
		return nil, nil
	}
	return n.ckpt.Vocab.Decode(res.Predictions[0][0]), nil
}

// Reply returns the ranked replies to a dialogue given as raw utterances,
// oldest first. Price markers are filled with price when it is positive.
func (n *Negotiator) Reply(history []string, title string, price float64) ([]Reply, error) {
	tokens := make([][]string, len(history))
	for i, h := range history {
		tokens[i] = data.UtteranceTokens(h)
	}
	res, err := n.decode(tokens, title)
	if err != nil {
		return nil, err
	}
	replies := make([]Reply, 0, len(res.Predictions[0]))
	for r, ids := range res.Predictions[0] {
		words := n.ckpt.Vocab.Decode(ids)
		if price > 0 {
			words = textutil.FillPrices(words, price)
		}
		replies = append(replies, Reply{
			Text:   textutil.Detokenize(words),
			Tokens: words,
			Score:  res.Scores[0][r],
		})
	}
	return replies, nil
}
