package gencli

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/internal/storage"
)

type dialoguesOptions struct {
	agents     []string
	num        int
	offset     int
	split      string
	maxTurns   int
	modelPath  string
	concession float64
	maxRounds  int
	seed       uint64
	appendTo   bool
}

func (c *CLI) newDialoguesCommand() *cobra.Command {
	var opts dialoguesOptions

	cmd := &cobra.Command{
		Use:   "dialogues",
		Short: "Simulate negotiations between two agents over the scenario database",
		Example: `  haggle-gen dialogues --agents heuristic,heuristic --num 5000 --split train
  haggle-gen dialogues --agents heuristic,simple --num 500 --offset 5000 --split dev
  haggle-gen dialogues --agents neural,heuristic --model model.json --num 100 --split test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			n, err := generateDialogues(storage.NewStorage(c.dataFolder), opts)
			if err != nil {
				return err
			}
			slog.Info("Dialogues written", "split", opts.split, "count", humanize.Comma(int64(n)),
				"duration", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	def := dialogue.DefaultOptions()
	cmd.Flags().StringSliceVar(&opts.agents, "agents", []string{"heuristic", "heuristic"}, "Buyer and seller systems: simple, heuristic or neural")
	cmd.Flags().IntVar(&opts.num, "num", 100, "Number of dialogues")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Index of the first scenario")
	cmd.Flags().StringVar(&opts.split, "split", "train", "Split to write")
	cmd.Flags().IntVar(&opts.maxTurns, "max-turns", dialogue.DefaultMaxTurns, "Max events per dialogue")
	cmd.Flags().StringVar(&opts.modelPath, "model", "", "Model file for the neural agent")
	cmd.Flags().Float64Var(&opts.concession, "concession", def.Concession, "Fraction of the gap conceded per round")
	cmd.Flags().IntVar(&opts.maxRounds, "max-rounds", def.MaxRounds, "Price proposals before a final offer")
	cmd.Flags().Uint64Var(&opts.seed, "seed", def.Seed, "Random seed")
	cmd.Flags().BoolVar(&opts.appendTo, "append", false, "Append to the split instead of replacing it")
	return cmd
}

func generateDialogues(store *storage.Storage, opts dialoguesOptions) (int, error) {
	if len(opts.agents) != 2 {
		return 0, errors.Errorf("--agents needs two systems, got %d", len(opts.agents))
	}
	if opts.num <= 0 {
		return 0, errors.New("--num must be positive")
	}
	scenarios, err := store.ReadScenarios()
	if err != nil {
		return 0, errors.Wrap(err, "read scenarios")
	}
	if len(scenarios) == 0 {
		return 0, errors.New("scenario database is empty")
	}

	sysOpts := dialogue.DefaultOptions()
	sysOpts.Concession = opts.concession
	sysOpts.MaxRounds = opts.maxRounds
	sysOpts.Seed = opts.seed
	var systems [2]dialogue.System
	for i, name := range opts.agents {
		name = strings.TrimSpace(name)
		if name == "neural" && sysOpts.Responder == nil {
			responder, err := loadResponder(opts.modelPath)
			if err != nil {
				return 0, err
			}
			sysOpts.Responder = responder
		}
		if systems[i], err = dialogue.NewSystem(name, sysOpts); err != nil {
			return 0, err
		}
	}

	examples := dialogue.GenerateExamples(dialogue.NewScenarioDB(scenarios), systems, opts.offset, opts.num, opts.maxTurns)
	agreed := 0
	for i := range examples {
		if examples[i].Outcome.Agreed {
			agreed++
		}
	}
	slog.Info("Simulated dialogues", "count", len(examples), "agreed", agreed)

	if opts.appendTo {
		existing, err := store.ReadExamples(opts.split)
		if err == nil {
			examples = append(existing, examples...)
		} else {
			slog.Debug("Nothing to append to", "split", opts.split, "error", err)
		}
	}
	if err := store.WriteExamples(opts.split, examples); err != nil {
		return 0, err
	}
	return len(examples), nil
}

func loadResponder(modelPath string) (dialogue.Responder, error) {
	var n *haggle.Negotiator
	var err error
	if modelPath != "" {
		n, err = haggle.Load(modelPath)
	} else {
		n, err = haggle.New()
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}
