package seq2seq

import (
	"log/slog"
	"math"
	"time"
)

// Statistics accumulates the loss and accuracy of a run of batches.
type Statistics struct {
	Loss     float64 // summed negative log-likelihood
	Words    int     // non-PAD target tokens
	Correct  int     // targets that were the argmax
	Sentence int
	start    time.Time
}

// NewStatistics starts a new accumulation.
func NewStatistics() *Statistics {
	return &Statistics{start: time.Now()}
}

// Update adds the counts of other.
func (s *Statistics) Update(other *Statistics) {
	s.Loss += other.Loss
	s.Words += other.Words
	s.Correct += other.Correct
	s.Sentence += other.Sentence
}

// MeanLoss returns the loss per target token.
func (s *Statistics) MeanLoss() float64 {
	if s.Words == 0 {
		return 0
	}
	return s.Loss / float64(s.Words)
}

// Ppl returns the perplexity, capped at exp(100).
func (s *Statistics) Ppl() float64 {
	return math.Exp(min(s.MeanLoss(), 100))
}

// Accuracy returns the percentage of targets predicted by argmax.
func (s *Statistics) Accuracy() float64 {
	if s.Words == 0 {
		return 0
	}
	return 100 * float64(s.Correct) / float64(s.Words)
}

// Elapsed returns the time since the accumulation started.
func (s *Statistics) Elapsed() time.Duration {
	return time.Since(s.start)
}

// Output logs a progress line.
func (s *Statistics) Output(epoch, batch, numBatches int, lr float64) {
	slog.Info("Training progress",
		"epoch", epoch,
		"batch", batch,
		"batches", numBatches,
		"loss", s.MeanLoss(),
		"ppl", s.Ppl(),
		"acc", s.Accuracy(),
		"lr", lr,
		"elapsed", s.Elapsed().Round(time.Millisecond),
	)
}
