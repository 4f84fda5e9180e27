package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
	"github.com/happyhackingspace/haggle/internal/storage"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var (
		dataFolder string
		modelPath  string
		split      string
		beamSize   int
		agreedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a model on a dialogue split",
		Example: `  haggle evaluate --data-folder data --split test
  haggle evaluate --model model.json --beam 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := flagOr(cmd, "data-folder", dataFolder, c.cfg.DataFolder)
			n, err := c.loadOrDownloadModel(flagOr(cmd, "model", modelPath, c.cfg.Model))
			if err != nil {
				return err
			}
			decoding, err := c.decoding(cmd, beamSize, 1)
			if err != nil {
				return err
			}
			iter := storage.DefaultIterOptions()
			iter.AgreedOnly = agreedOnly

			slog.Info("Evaluating", "split", split, "data-folder", folder, "beam", decoding.BeamSize)
			start := time.Now()
			result, err := haggle.Evaluate(folder, n, &haggle.EvalConfig{
				Split:    split,
				Decoding: decoding,
				Iter:     iter,
			})
			if err != nil {
				return err
			}
			slog.Debug("Evaluation completed", "duration", time.Since(start))

			fmt.Printf("Dialogues: %s  Turns: %s  Tokens: %s\n",
				humanize.Comma(int64(result.Dialogues)),
				humanize.Comma(int64(result.Pairs)),
				humanize.Comma(int64(result.Tokens)))
			fmt.Printf("Loss: %.4f  Perplexity: %.2f\n", result.Loss, result.Perplexity)
			fmt.Printf("Exact match: %.1f%%  Mean reply length: %.1f tokens\n",
				result.ExactMatch*100, result.MeanLength)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataFolder, "data-folder", "data", "Path to dialogue data folder")
	cmd.Flags().StringVar(&modelPath, "model", "", "Path to model file (default: auto-detect or download)")
	cmd.Flags().StringVar(&split, "split", "test", "Split to evaluate")
	cmd.Flags().IntVar(&beamSize, "beam", 5, "Beam size")
	cmd.Flags().BoolVar(&agreedOnly, "agreed-only", false, "Only score dialogues that ended in a deal")
	return cmd
}
