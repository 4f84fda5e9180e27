package dialogue

import (
	"log/slog"
	"math/rand/v2"

	"github.com/happyhackingspace/haggle/internal/textutil"
)

// NeuralSystem takes its words from a trained model and its prices from the
// heuristic concession policy: every price marker in a generated utterance
// is filled with the agent's current proposal.
type NeuralSystem struct {
	opts Options
	rng  *rand.Rand
}

// Name implements System.
func (s *NeuralSystem) Name() string { return "neural" }

// NewSession implements System.
func (s *NeuralSystem) NewSession(agent int, kb KB, scenario *Scenario) Session {
	return &neuralSession{
		policy:    newPolicy(kb, scenario, s.opts.Concession, s.opts.MaxRounds, s.rng),
		responder: s.opts.Responder,
	}
}

type neuralSession struct {
	*policy
	responder Responder
	history   [][]string
}

func utteranceTokens(text string) []string {
	toks, _ := textutil.ReplacePrices(textutil.Tokenize(text))
	return toks
}

func (s *neuralSession) Receive(ev Event) {
	if ev.Action == ActionMessage && ev.Data != "" {
		s.history = append(s.history, utteranceTokens(ev.Data))
	}
	s.policy.Receive(ev)
}

func (s *neuralSession) Send() *Event {
	ev := s.policy.Send()
	if ev == nil || ev.Action != ActionMessage {
		return ev
	}
	reply, err := s.responder.Respond(s.history, s.title)
	if err != nil {
		slog.Warn("Neural response failed, using template", "error", err)
	} else if len(reply) > 0 {
		price := ev.Price
		if price == 0 {
			price = s.price
		}
		ev.Data = textutil.Detokenize(textutil.FillPrices(reply, price))
	}
	s.history = append(s.history, utteranceTokens(ev.Data))
	return ev
}
