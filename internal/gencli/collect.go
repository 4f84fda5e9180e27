package gencli

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle/internal/storage"
)

func (c *CLI) newCollectCommand() *cobra.Command {
	var (
		seedFile  string
		timeout   int
		delay     int
		userAgent string
		maxPages  int
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Fetch listing pages from seed URLs and save them to <data-folder>/listings",
		Example: `  haggle-gen collect --seed seeds.jsonl
  haggle-gen collect --seed seeds.jsonl --data-folder data --max 500 --delay 2000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := loadSeeds(seedFile)
			if err != nil {
				return errors.Wrap(err, "load seeds")
			}
			slog.Info("Loaded seeds", "count", len(seeds))

			outputDir := filepath.Join(c.dataFolder, storage.ListingsDir)
			n, err := collect(newHTTPClient(timeout), seeds, outputDir, userAgent, maxPages,
				time.Duration(delay)*time.Millisecond)
			if err != nil {
				return err
			}
			slog.Info("Collection complete", "total", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed", "", "Path to seed file (JSONL with url and category)")
	cmd.Flags().IntVar(&timeout, "timeout", 30, "HTTP timeout in seconds")
	cmd.Flags().IntVar(&delay, "delay", 1000, "Delay between requests in ms")
	cmd.Flags().StringVar(&userAgent, "user-agent", "Mozilla/5.0 (compatible; haggle-gen/1.0)", "User-Agent header")
	cmd.Flags().IntVar(&maxPages, "max", 0, "Max pages to collect (0=unlimited)")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

// collect fetches the seeds not yet indexed in outputDir and returns the
// number of pages saved.
func collect(client httpClient, seeds []seedEntry, outputDir, userAgent string, maxPages int, delay time.Duration) (int, error) {
	index, err := loadIndex(outputDir)
	if err != nil {
		return 0, errors.Wrap(err, "load index")
	}
	known := make(map[string]bool, len(index))
	for _, e := range index {
		known[e.URL] = true
	}

	collected := 0
	for i, seed := range seeds {
		if maxPages > 0 && collected >= maxPages {
			break
		}
		if known[seed.URL] {
			slog.Debug("Already collected", "url", seed.URL)
			continue
		}
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		listing, err := fetchAndSave(client, seed, userAgent, outputDir, index)
		if err != nil {
			slog.Warn("Failed to fetch", "url", seed.URL, "error", err)
			continue
		}
		known[seed.URL] = true
		collected++
		slog.Info("Collected", "url", seed.URL, "title", listing.Title, "price", listing.Price, "total", collected)
	}

	if collected == 0 && len(index) == 0 {
		return 0, errors.New("no listing page collected")
	}
	if err := saveIndex(outputDir, index); err != nil {
		return collected, errors.Wrap(err, "save index")
	}
	return collected, nil
}
