// Package dialogue simulates buyer/seller negotiations over for-sale listings.
//
// A Scenario pairs a listing with the private knowledge of both sides (their
// target price and bottom line). Two Sessions, one per agent, exchange Events
// under a Controller until a deal is accepted, rejected or abandoned.
package dialogue

import (
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Role of an agent in a negotiation.
type Role string

// Roles.
const (
	Buyer  Role = "buyer"
	Seller Role = "seller"
)

// KB is the private knowledge of one agent.
type KB struct {
	Role       Role    `json:"role"`
	Target     float64 `json:"target"`
	Bottomline float64 `json:"bottomline"` // buyer's maximum, seller's minimum
}

// Acceptable reports whether price is within the agent's bottom line.
func (kb KB) Acceptable(price float64) bool {
	if kb.Role == Buyer {
		return price <= kb.Bottomline
	}
	return price >= kb.Bottomline
}

// Scenario is the listing under negotiation and the knowledge of both agents.
// KBs[0] is always the buyer.
type Scenario struct {
	ID          string  `json:"uuid"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	ListPrice   float64 `json:"list_price"`
	URL         string  `json:"url,omitempty"`
	KBs         [2]KB   `json:"kbs"`
}

// Range of targets and bottom lines as fractions of the list price.
const (
	buyerTargetLow, buyerTargetHigh   = 0.5, 0.7
	buyerBottomLow, buyerBottomHigh   = 0.8, 1.0
	sellerBottomLow, sellerBottomHigh = 0.6, 0.85
)

// NewScenario draws the private knowledge of both agents for a listing.
func NewScenario(title, description, category, url string, listPrice float64, rng *rand.Rand) (Scenario, error) {
	if listPrice <= 0 {
		return Scenario{}, errors.Errorf("dialogue: listing %q has no price", title)
	}
	between := func(lo, hi float64) float64 {
		return math.Round(listPrice * (lo + (hi-lo)*rng.Float64()))
	}
	return Scenario{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Category:    category,
		ListPrice:   listPrice,
		URL:         url,
		KBs: [2]KB{
			{Role: Buyer, Target: between(buyerTargetLow, buyerTargetHigh), Bottomline: between(buyerBottomLow, buyerBottomHigh)},
			{Role: Seller, Target: listPrice, Bottomline: between(sellerBottomLow, sellerBottomHigh)},
		},
	}, nil
}

// ScenarioDB is an ordered collection of scenarios.
type ScenarioDB struct {
	Scenarios []Scenario
	byID      map[string]int
}

// NewScenarioDB indexes scenarios by id.
func NewScenarioDB(scenarios []Scenario) *ScenarioDB {
	db := &ScenarioDB{Scenarios: scenarios, byID: make(map[string]int, len(scenarios))}
	for i, s := range scenarios {
		db.byID[s.ID] = i
	}
	return db
}

// Len returns the number of scenarios.
func (db *ScenarioDB) Len() int {
	return len(db.Scenarios)
}

// Get returns the scenario with the given id.
func (db *ScenarioDB) Get(id string) (*Scenario, bool) {
	i, ok := db.byID[id]
	if !ok {
		return nil, false
	}
	return &db.Scenarios[i], true
}

// At returns the i-th scenario, wrapping around the end of the collection.
func (db *ScenarioDB) At(i int) *Scenario {
	return &db.Scenarios[i%len(db.Scenarios)]
}
