package dialogue

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Session plays one side of a single dialogue.
type Session interface {
	// Send returns the agent's next move, or nil to pass the turn.
	Send() *Event
	// Receive delivers the partner's move.
	Receive(ev Event)
}

// System creates sessions for an agent implementation.
type System interface {
	Name() string
	NewSession(agent int, kb KB, scenario *Scenario) Session
}

// Responder produces the next utterance of a dialogue. history holds the
// tokenized utterances so far, oldest first, with prices replaced by
// textutil.PriceMarker; the reply uses the same convention.
type Responder interface {
	Respond(history [][]string, title string) ([]string, error)
}

// Options configures the systems built by NewSystem.
type Options struct {
	// Concession is the fraction of the gap to the bottom line given up
	// every round by the heuristic and neural agents.
	Concession float64
	// MaxRounds bounds the price proposals before an agent makes a final
	// offer or walks away.
	MaxRounds int
	Seed      uint64
	// Responder is required by the neural system.
	Responder Responder
}

// DefaultOptions returns the options used by haggle-gen.
func DefaultOptions() Options {
	return Options{
		Concession: 0.3,
		MaxRounds:  6,
		Seed:       1,
	}
}

// NewSystem returns the system registered under name: simple, heuristic or neural.
func NewSystem(name string, opts Options) (System, error) {
	switch name {
	case "simple":
		return &SimpleSystem{opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, 0))}, nil
	case "heuristic":
		return &HeuristicSystem{opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, 1))}, nil
	case "neural":
		if opts.Responder == nil {
			return nil, errors.New("dialogue: neural system needs a model")
		}
		return &NeuralSystem{opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, 2))}, nil
	default:
		return nil, errors.Errorf("dialogue: unknown system %q", name)
	}
}

// SimpleSystem never concedes: it repeats its target price and takes any
// acceptable offer.
type SimpleSystem struct {
	opts Options
	rng  *rand.Rand
}

// Name implements System.
func (s *SimpleSystem) Name() string { return "simple" }

// NewSession implements System.
func (s *SimpleSystem) NewSession(agent int, kb KB, scenario *Scenario) Session {
	return newPolicy(kb, scenario, 0, s.opts.MaxRounds, s.rng)
}

// HeuristicSystem concedes a fixed fraction of the remaining gap every round.
type HeuristicSystem struct {
	opts Options
	rng  *rand.Rand
}

// Name implements System.
func (s *HeuristicSystem) Name() string { return "heuristic" }

// NewSession implements System.
func (s *HeuristicSystem) NewSession(agent int, kb KB, scenario *Scenario) Session {
	return newPolicy(kb, scenario, s.opts.Concession, s.opts.MaxRounds, s.rng)
}
