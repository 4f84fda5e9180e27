package gencli

import (
	"log/slog"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle/dialogue"
	"github.com/happyhackingspace/haggle/internal/storage"
)

func (c *CLI) newScenariosCommand() *cobra.Command {
	var (
		seed         uint64
		maxScenarios int
	)

	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "Build the scenario database from the collected listing pages",
		Example: `  haggle-gen scenarios --data-folder data
  haggle-gen scenarios --seed 7 --max 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := storage.NewStorage(c.dataFolder)
			scenarios, err := buildScenarios(store, seed, maxScenarios)
			if err != nil {
				return err
			}
			if err := store.WriteScenarios(scenarios); err != nil {
				return err
			}
			slog.Info("Scenarios written", "count", len(scenarios), "folder", c.dataFolder)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed for the agents' targets and bottom lines")
	cmd.Flags().IntVar(&maxScenarios, "max", 0, "Max scenarios (0=unlimited)")
	return cmd
}

// buildScenarios draws one scenario per distinct listing URL.
func buildScenarios(store *storage.Storage, seed uint64, maxScenarios int) ([]dialogue.Scenario, error) {
	listings, err := store.Listings()
	if err != nil {
		return nil, errors.Wrap(err, "read listings")
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	seen := make(map[string]bool)
	var scenarios []dialogue.Scenario
	for _, l := range listings {
		if maxScenarios > 0 && len(scenarios) >= maxScenarios {
			break
		}
		if seen[l.URL] {
			continue
		}
		seen[l.URL] = true
		s, err := dialogue.NewScenario(l.Title, l.Description, l.Category, l.URL, l.Price, rng)
		if err != nil {
			slog.Warn("Skipping listing", "url", l.URL, "error", err)
			continue
		}
		scenarios = append(scenarios, s)
	}
	if len(scenarios) == 0 {
		return nil, errors.Errorf("no usable listing in %s", store.Folder)
	}
	return scenarios, nil
}
