package dialogue

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/happyhackingspace/haggle/internal/textutil"
)

var (
	greetings = map[Role][]string{
		Buyer:  {"Hi, is this still available?", "Hello, I'm interested in your %s.", "Hey there, is the %s still for sale?"},
		Seller: {"Hi, yes it is. Are you interested?", "Hello! It's in great shape.", "Yes, still available."},
	}
	proposals = map[Role][]string{
		Buyer:  {"Would you take %s?", "I can do %s.", "How about %s?", "My budget is %s."},
		Seller: {"I can't go below %s.", "The lowest I can do is %s.", "How about %s?", "I could do %s."},
	}
	agreements = []string{"Sounds good, it's a deal.", "Okay, that works for me.", "Deal, I'll send the offer."}
)

// policy negotiates by templates: it opens at its target price and moves a
// fixed fraction of the remaining distance to its bottom line every round.
type policy struct {
	kb         KB
	title      string
	concession float64
	maxRounds  int
	rng        *rand.Rand

	price        float64 // current proposal
	partnerPrice float64 // last price mentioned by the partner, 0 if none
	partnerOffer *float64
	offered      bool
	greeted      bool
	rounds       int
	finished     bool
}

func newPolicy(kb KB, scenario *Scenario, concession float64, maxRounds int, rng *rand.Rand) *policy {
	p := &policy{
		kb:         kb,
		concession: concession,
		maxRounds:  maxRounds,
		rng:        rng,
		price:      kb.Target,
	}
	if scenario != nil {
		p.title = scenario.Title
	}
	return p
}

func (p *policy) pick(phrases []string) string {
	return phrases[p.rng.IntN(len(phrases))]
}

// atLeastAsGood reports whether price is no worse than the current proposal.
func (p *policy) atLeastAsGood(price float64) bool {
	if p.kb.Role == Buyer {
		return price <= p.price
	}
	return price >= p.price
}

// Receive implements Session.
func (p *policy) Receive(ev Event) {
	switch ev.Action {
	case ActionMessage:
		_, prices := textutil.ReplacePrices(textutil.Tokenize(ev.Data))
		if len(prices) > 0 {
			p.partnerPrice = prices[len(prices)-1]
		}
	case ActionOffer:
		price := ev.Price
		p.partnerOffer = &price
	case ActionAccept, ActionReject, ActionQuit:
		p.finished = true
	}
}

// Send implements Session.
func (p *policy) Send() *Event {
	if p.finished {
		return nil
	}
	if p.partnerOffer != nil {
		p.finished = true
		if p.kb.Acceptable(*p.partnerOffer) {
			return &Event{Action: ActionAccept, Price: *p.partnerOffer}
		}
		return &Event{Action: ActionReject}
	}
	if p.offered {
		return nil
	}
	if !p.greeted {
		p.greeted = true
		text := p.pick(greetings[p.kb.Role])
		if strings.Contains(text, "%s") {
			if p.title == "" {
				text = greetings[p.kb.Role][0]
			} else {
				text = fmt.Sprintf(text, strings.ToLower(textutil.Truncate(p.title, 40)))
			}
		}
		return &Event{Action: ActionMessage, Data: text}
	}
	if p.partnerPrice > 0 && p.kb.Acceptable(p.partnerPrice) &&
		(p.atLeastAsGood(p.partnerPrice) || p.rounds >= p.maxRounds) {
		return p.offer(p.partnerPrice)
	}
	if p.rounds >= p.maxRounds {
		p.finished = true
		return &Event{Action: ActionQuit}
	}
	if p.rounds > 0 {
		p.price = math.Round(p.price + p.concession*(p.kb.Bottomline-p.price))
	}
	p.rounds++
	text := fmt.Sprintf(p.pick(proposals[p.kb.Role]), textutil.FormatPrice(p.price))
	return &Event{Action: ActionMessage, Data: text, Price: p.price}
}

func (p *policy) offer(price float64) *Event {
	p.offered = true
	return &Event{Action: ActionOffer, Price: price, Data: p.pick(agreements)}
}
