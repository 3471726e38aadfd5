package billing

import (
	"fmt"
	"strings"

	"nudge-backend/config"
	"nudge-backend/subscriptions"
)

type ActionKind string

const (
	// ActionNone is what unmapped price ids resolve to.
	ActionNone         ActionKind = "none"
	ActionSubscription ActionKind = "subscription"
	ActionCredits      ActionKind = "credits"
	ActionPurchase     ActionKind = "purchase"
)

// Action is the ledger effect bought by a price.
type Action struct {
	Kind    ActionKind
	Tier    subscriptions.Tier
	Credits int
}

var NoAction = Action{Kind: ActionNone}

// PriceTable resolves external price ids. It is built once and read-only afterwards.
type PriceTable struct {
	actions map[string]Action
}

func NewPriceTable(rules []config.PriceRule) (*PriceTable, error) {
	t := &PriceTable{actions: make(map[string]Action, len(rules))}
	for _, r := range rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			return nil, fmt.Errorf("billing: price rule without id")
		}
		if _, dup := t.actions[id]; dup {
			return nil, fmt.Errorf("billing: duplicate price id %q", id)
		}
		if r.Credits < 0 {
			return nil, fmt.Errorf("billing: price %q: negative credits", id)
		}
		a := Action{Kind: ActionKind(strings.ToLower(r.Kind)), Tier: subscriptions.Tier(strings.ToLower(r.Tier)), Credits: r.Credits}
		switch a.Kind {
		case ActionSubscription:
			if !a.Tier.Paid() {
				return nil, fmt.Errorf("billing: price %q: subscription needs a paid tier, got %q", id, r.Tier)
			}
		case ActionCredits:
			if a.Credits == 0 {
				return nil, fmt.Errorf("billing: price %q: credit pack needs a positive amount", id)
			}
			if a.Tier == "" {
				a.Tier = subscriptions.TierOneTime
			}
			if !a.Tier.Paid() {
				return nil, fmt.Errorf("billing: price %q: unknown tier %q", id, r.Tier)
			}
		case ActionPurchase:
		default:
			return nil, fmt.Errorf("billing: price %q: unknown kind %q", id, r.Kind)
		}
		t.actions[id] = a
	}
	return t, nil
}

// Lookup returns the action for priceID, or NoAction.
func (t *PriceTable) Lookup(priceID string) Action {
	if t == nil {
		return NoAction
	}
	if a, ok := t.actions[priceID]; ok {
		return a
	}
	return NoAction
}

// Policy holds the per-tier grant and how renewals apply it.
type Policy struct {
	UnlimitedCredits int
	OneTimeCredits   int
	Renewal          subscriptions.RefillMode
}

var DefaultPolicy = Policy{UnlimitedCredits: 20, OneTimeCredits: 0, Renewal: subscriptions.RefillReset}

// creditsFor returns the grant for tier; a price with its own amount wins.
func (p Policy) creditsFor(tier subscriptions.Tier, a Action) int {
	if a.Kind == ActionSubscription && a.Credits > 0 {
		return a.Credits
	}
	switch tier {
	case subscriptions.TierUnlimited:
		return p.UnlimitedCredits
	case subscriptions.TierOneTime:
		return p.OneTimeCredits
	}
	return 0
}
