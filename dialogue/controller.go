package dialogue

import (
	"log/slog"

	"github.com/google/uuid"
)

// DefaultMaxTurns bounds a simulated dialogue.
const DefaultMaxTurns = 20

// Controller runs one dialogue between two sessions, agent 0 moving first.
type Controller struct {
	Scenario *Scenario
	Sessions [2]Session
	MaxTurns int
}

// NewController creates a controller with DefaultMaxTurns.
func NewController(scenario *Scenario, sessions [2]Session) *Controller {
	return &Controller{Scenario: scenario, Sessions: sessions, MaxTurns: DefaultMaxTurns}
}

// Simulate alternates turns until an agent accepts, rejects or quits, or
// the turn limit is reached.
func (c *Controller) Simulate(agents [2]string) Example {
	var events []Event
	passes := 0
	for turn := 0; turn < c.MaxTurns; turn++ {
		agent := turn % 2
		ev := c.Sessions[agent].Send()
		if ev == nil {
			passes++
			if passes >= 2 {
				break
			}
			continue
		}
		passes = 0
		ev.Agent = agent
		ev.Turn = turn
		events = append(events, *ev)
		c.Sessions[1-agent].Receive(*ev)
		if ev.Action.Ends() {
			break
		}
	}
	ex := Example{
		UUID:       uuid.New().String(),
		ScenarioID: c.Scenario.ID,
		Scenario:   c.Scenario,
		Agents:     agents,
		Events:     events,
		Outcome:    ComputeOutcome(events),
	}
	slog.Debug("Simulated dialogue", "scenario", c.Scenario.ID, "events", len(events), "agreed", ex.Outcome.Agreed)
	return ex
}

// GenerateExamples simulates n dialogues between two systems, walking the
// scenarios from offset and wrapping around.
func GenerateExamples(db *ScenarioDB, systems [2]System, offset, n, maxTurns int) []Example {
	if db.Len() == 0 {
		return nil
	}
	names := [2]string{systems[0].Name(), systems[1].Name()}
	examples := make([]Example, 0, n)
	for i := range n {
		scenario := db.At(offset + i)
		sessions := [2]Session{
			systems[0].NewSession(0, scenario.KBs[0], scenario),
			systems[1].NewSession(1, scenario.KBs[1], scenario),
		}
		c := NewController(scenario, sessions)
		if maxTurns > 0 {
			c.MaxTurns = maxTurns
		}
		examples = append(examples, c.Simulate(names))
	}
	return examples
}
