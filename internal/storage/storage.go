// Package storage reads and writes the haggle data folder: the scenario
// database, the simulated dialogue splits and the saved listing pages that
// scenarios are built from.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"

	"github.com/happyhackingspace/haggle/dialogue"
)

// ScenariosFile is the scenario database inside the data folder.
const ScenariosFile = "scenarios.json"

// Storage wraps the data folder.
type Storage struct {
	Folder string
}

// NewStorage creates a Storage for the given data folder.
func NewStorage(folder string) *Storage {
	return &Storage{Folder: folder}
}

// SplitPath returns the file holding the dialogues of a split ("train", "dev", "test").
func (s *Storage) SplitPath(split string) string {
	return filepath.Join(s.Folder, split+".json")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "storage: reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "storage: decoding %s", path)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "storage: encoding %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "storage: creating %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "storage: writing %s", path)
}

// ReadScenarios reads the scenario database.
func (s *Storage) ReadScenarios() ([]dialogue.Scenario, error) {
	var scenarios []dialogue.Scenario
	if err := readJSON(filepath.Join(s.Folder, ScenariosFile), &scenarios); err != nil {
		return nil, err
	}
	return scenarios, nil
}

// WriteScenarios replaces the scenario database.
func (s *Storage) WriteScenarios(scenarios []dialogue.Scenario) error {
	return writeJSON(filepath.Join(s.Folder, ScenariosFile), scenarios)
}

// ReadExamples reads the dialogues of a split as stored.
func (s *Storage) ReadExamples(split string) ([]dialogue.Example, error) {
	var examples []dialogue.Example
	if err := readJSON(s.SplitPath(split), &examples); err != nil {
		return nil, err
	}
	return examples, nil
}

// WriteExamples replaces the dialogues of a split.
func (s *Storage) WriteExamples(split string, examples []dialogue.Example) error {
	return writeJSON(s.SplitPath(split), examples)
}

// IterOptions controls which dialogues IterExamples yields.
type IterOptions struct {
	DropDuplicates bool // same utterances, compared by fingerprint
	DropEmpty      bool // dialogues without any message
	MinMessages    int
	AgreedOnly     bool
}

// DefaultIterOptions returns the default options for iterating dialogues.
func DefaultIterOptions() IterOptions {
	return IterOptions{
		DropDuplicates: true,
		DropEmpty:      true,
		MinMessages:    2,
	}
}

// IterExamples reads a split, filters it and orders it deterministically by
// listing domain, then dialogue id.
func (s *Storage) IterExamples(split string, opts IterOptions) ([]dialogue.Example, error) {
	all, err := s.ReadExamples(split)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		di, dj := exampleDomain(&all[i]), exampleDomain(&all[j])
		if di != dj {
			return di < dj
		}
		return all[i].UUID < all[j].UUID
	})

	seen := make(map[string]bool)
	var examples []dialogue.Example
	dropped := 0
	for _, ex := range all {
		n := len(ex.Messages())
		if (opts.DropEmpty && n == 0) || n < opts.MinMessages {
			dropped++
			continue
		}
		if opts.AgreedOnly && !ex.Outcome.Agreed {
			dropped++
			continue
		}
		if opts.DropDuplicates {
			fp := ex.Fingerprint()
			if seen[fp] {
				dropped++
				continue
			}
			seen[fp] = true
		}
		examples = append(examples, ex)
	}
	if dropped > 0 {
		slog.Debug("Filtered dialogues", "split", split, "kept", len(examples), "dropped", dropped)
	}
	return examples, nil
}

func exampleDomain(ex *dialogue.Example) string {
	if ex.Scenario == nil {
		return ""
	}
	return GetDomain(ex.Scenario.URL)
}

// GetDomain extracts the domain name from a URL (the listing site of a scenario).
func GetDomain(rawURL string) string {
	host := rawURL
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.Index(host, "/"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	// "craigslist.co.uk" -> "craigslist"
	if idx := strings.Index(domain, "."); idx >= 0 {
		return domain[:idx]
	}
	return domain
}
