package dialogue

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Action is the kind of an Event.
type Action string

// Actions.
const (
	ActionMessage Action = "message"
	ActionOffer   Action = "offer"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionQuit    Action = "quit"
)

// Ends reports whether the action ends the dialogue.
func (a Action) Ends() bool {
	return a == ActionAccept || a == ActionReject || a == ActionQuit
}

// Event is one move of an agent.
type Event struct {
	Agent  int     `json:"agent"`
	Action Action  `json:"action"`
	Data   string  `json:"data,omitempty"`
	Price  float64 `json:"price,omitempty"`
	Turn   int     `json:"turn"`
}

// Outcome of a dialogue.
type Outcome struct {
	Agreed bool    `json:"agreed"`
	Price  float64 `json:"price,omitempty"`
}

// Example is a finished dialogue.
type Example struct {
	UUID       string    `json:"uuid"`
	ScenarioID string    `json:"scenario_uuid"`
	Scenario   *Scenario `json:"scenario,omitempty"`
	Agents     [2]string `json:"agents"`
	Events     []Event   `json:"events"`
	Outcome    Outcome   `json:"outcome"`
}

// Messages returns the message events in order.
func (e *Example) Messages() []Event {
	var msgs []Event
	for _, ev := range e.Events {
		if ev.Action == ActionMessage && ev.Data != "" {
			msgs = append(msgs, ev)
		}
	}
	return msgs
}

// Fingerprint hashes the utterances of the dialogue, so replays of the same
// conversation on different scenarios can be deduplicated.
func (e *Example) Fingerprint() string {
	var parts []string
	for _, m := range e.Messages() {
		parts = append(parts, strings.ToLower(strings.TrimSpace(m.Data)))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// ComputeOutcome finds the deal of a dialogue: an offer followed by an
// accept from the other agent.
func ComputeOutcome(events []Event) Outcome {
	var offer *Event
	for i := range events {
		ev := &events[i]
		switch ev.Action {
		case ActionOffer:
			offer = ev
		case ActionAccept:
			if offer != nil && offer.Agent != ev.Agent {
				return Outcome{Agreed: true, Price: offer.Price}
			}
		case ActionReject:
			offer = nil
		}
	}
	return Outcome{}
}
