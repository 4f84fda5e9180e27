// Package config loads haggle.yaml and the HAGGLE_* environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/happyhackingspace/haggle/beam"
	"github.com/happyhackingspace/haggle/generator"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "haggle.yaml"

// Config is the root configuration structure.
type Config struct {
	DataFolder string         `yaml:"data_folder"`
	Model      string         `yaml:"model"` // empty: auto-detect
	Decode     DecodeConfig   `yaml:"decode"`
	Train      TrainConfig    `yaml:"train"`
	Simulate   SimulateConfig `yaml:"simulate"`
}

// DecodeConfig holds beam search settings.
type DecodeConfig struct {
	BeamSize  int     `yaml:"beam_size"`
	NBest     int     `yaml:"n_best"`
	MinLength int     `yaml:"min_length"`
	MaxLength int     `yaml:"max_length"`
	EarlyStop bool    `yaml:"early_stop"`
	Scorer    string  `yaml:"scorer"` // raw, length or gnmt
	Alpha     float64 `yaml:"alpha"`
}

// TrainConfig holds the training settings exposed in the config file.
type TrainConfig struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	Optim        string  `yaml:"optim"`
	LearningRate float64 `yaml:"learning_rate"`
	Dropout      float64 `yaml:"dropout"`
	Hidden       int     `yaml:"hidden"`
	MinCount     int     `yaml:"min_count"`
	ContextTurns int     `yaml:"context_turns"`
	Checkpoints  string  `yaml:"checkpoints"`
}

// SimulateConfig holds the dialogue simulation settings.
type SimulateConfig struct {
	MaxTurns   int     `yaml:"max_turns"`
	Concession float64 `yaml:"concession"`
	MaxRounds  int     `yaml:"max_rounds"`
	Seed       uint64  `yaml:"seed"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataFolder: "data",
		Decode: DecodeConfig{
			BeamSize:  5,
			NBest:     1,
			MinLength: 1,
			MaxLength: 20,
			EarlyStop: true,
			Scorer:    "raw",
		},
		Train: TrainConfig{
			Epochs:       14,
			BatchSize:    64,
			Optim:        "sgd",
			LearningRate: 1.0,
			Dropout:      0.3,
			Hidden:       64,
			MinCount:     1,
			ContextTurns: 2,
			Checkpoints:  "data/checkpoints",
		},
		Simulate: SimulateConfig{
			MaxTurns:   20,
			Concession: 0.3,
			MaxRounds:  6,
			Seed:       1,
		},
	}
}

// Load reads a config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "config: create directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "config: marshal")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "config: write")
}

// LoadEnv loads the first .env file found in the working directory or up
// to four of its parents. A missing file is not an error.
func LoadEnv() error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	for range 5 {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			return errors.Wrapf(godotenv.Load(envPath), "config: load %s", envPath)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

// ApplyEnv overrides the configuration from HAGGLE_DATA_FOLDER,
// HAGGLE_MODEL and HAGGLE_BEAM_SIZE.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("HAGGLE_DATA_FOLDER"); v != "" {
		c.DataFolder = v
	}
	if v := os.Getenv("HAGGLE_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("HAGGLE_BEAM_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "config: HAGGLE_BEAM_SIZE")
		}
		c.Decode.BeamSize = n
	}
	return nil
}

// Generator converts the decode settings to a validated generator config.
func (d DecodeConfig) Generator() (generator.Config, error) {
	scorer, err := beam.NewScorer(d.Scorer, d.Alpha)
	if err != nil {
		return generator.Config{}, errors.WithMessage(err, "config")
	}
	cfg := generator.DefaultConfig()
	cfg.BeamSize = d.BeamSize
	cfg.NBest = d.NBest
	cfg.MinLength = d.MinLength
	cfg.MaxLength = d.MaxLength
	cfg.EarlyStop = d.EarlyStop
	cfg.Scorer = scorer
	if err := cfg.Validate(); err != nil {
		return generator.Config{}, errors.WithMessage(err, "config")
	}
	return cfg, nil
}
