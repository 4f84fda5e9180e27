package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
	"github.com/happyhackingspace/haggle/seq2seq"
)

func (c *CLI) newTrainCommand() *cobra.Command {
	var (
		dataFolder   string
		epochs       int
		batchSize    int
		optim        string
		learningRate float64
		hidden       int
		checkpoints  string
	)

	cmd := &cobra.Command{
		Use:   "train <modelfile>",
		Short: "Train a model on simulated negotiation dialogues",
		Args:  cobra.ExactArgs(1),
		Example: `  haggle train model.json --data-folder data
  haggle train model.json --epochs 20 --optim adam --learning-rate 0.01 -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath := args[0]
			cfg := haggle.DefaultTrainConfig()
			tc := c.cfg.Train
			cfg.Train.Epochs = flagOr(cmd, "epochs", epochs, tc.Epochs)
			cfg.Train.BatchSize = flagOr(cmd, "batch-size", batchSize, tc.BatchSize)
			cfg.Train.Optim = flagOr(cmd, "optim", optim, tc.Optim)
			cfg.Train.LearningRate = flagOr(cmd, "learning-rate", learningRate, tc.LearningRate)
			cfg.Train.Dropout = tc.Dropout
			cfg.Train.ModelPath = flagOr(cmd, "checkpoints", checkpoints, tc.Checkpoints)
			cfg.Model.Hidden = flagOr(cmd, "hidden", hidden, tc.Hidden)
			cfg.MinCount = tc.MinCount
			cfg.Data.ContextTurns = tc.ContextTurns
			folder := flagOr(cmd, "data-folder", dataFolder, c.cfg.DataFolder)

			var bar *progressbar.ProgressBar
			if !c.silent {
				cfg.OnBatch = func(epoch, batch int, stats *seq2seq.Statistics) {
					if batch == 1 {
						bar = progressbar.NewOptions(-1,
							progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, cfg.Train.Epochs)),
							progressbar.OptionSetWriter(os.Stderr),
							progressbar.OptionShowIts(),
							progressbar.OptionSetItsString("batches"),
							progressbar.OptionSetTheme(progressbar.ThemeUnicode),
						)
					}
					_ = bar.Add(1)
				}
			}
			cfg.OnEpoch = func(epoch int, train, valid *seq2seq.Statistics) {
				if bar != nil {
					_ = bar.Finish()
					fmt.Fprintln(os.Stderr)
				}
				slog.Info("Epoch done",
					"epoch", epoch,
					"train-ppl", fmt.Sprintf("%.2f", train.Ppl()),
					"valid-ppl", fmt.Sprintf("%.2f", valid.Ppl()),
					"valid-acc", fmt.Sprintf("%.1f%%", valid.Accuracy()),
					"tokens", humanize.Comma(int64(train.Words)),
					"took", train.Elapsed().Round(time.Millisecond))
			}

			slog.Info("Training model", "data-folder", folder, "output", modelPath, "epochs", cfg.Train.Epochs)
			start := time.Now()
			n, err := haggle.Train(cmd.Context(), folder, cfg)
			if err != nil {
				return err
			}
			slog.Debug("Training completed", "duration", time.Since(start))
			if err := n.Save(modelPath); err != nil {
				return err
			}
			if fi, err := os.Stat(modelPath); err == nil {
				slog.Info("Model saved", "path", modelPath, "size", humanize.Bytes(uint64(fi.Size())))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataFolder, "data-folder", "data", "Path to dialogue data folder")
	cmd.Flags().IntVar(&epochs, "epochs", 14, "Number of training epochs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 64, "Turns per batch")
	cmd.Flags().StringVar(&optim, "optim", seq2seq.SGD, "Optimizer: sgd, adagrad, adadelta or adam")
	cmd.Flags().Float64Var(&learningRate, "learning-rate", 1.0, "Initial learning rate")
	cmd.Flags().IntVar(&hidden, "hidden", 64, "Reservoir size")
	cmd.Flags().StringVar(&checkpoints, "checkpoints", "data/checkpoints", "Directory for per-epoch checkpoints (empty to disable)")
	return cmd
}
