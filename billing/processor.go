package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78/webhook"

	"nudge-backend/logging"
	"nudge-backend/metrics"
	"nudge-backend/subscriptions"
)

type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
)

const outcomeIgnoredCanceled = "ignored_canceled"

// Outcome describes what one delivery did to the ledger.
type Outcome struct {
	EventID   string
	EventType string
	Status    Status
	Summary   string
}

// Processor ingests signed payment events exactly once per event id.
type Processor struct {
	store   subscriptions.Store
	prices  *PriceTable
	policy  Policy
	secret  string
	metrics *metrics.Recorder
	now     func() time.Time
	log     zerolog.Logger
}

func NewProcessor(store subscriptions.Store, prices *PriceTable, policy Policy, secret string, rec *metrics.Recorder) *Processor {
	return &Processor{
		store:   store,
		prices:  prices,
		policy:  policy,
		secret:  secret,
		metrics: rec,
		now:     time.Now,
		log:     logging.Component("billing"),
	}
}

// Process verifies payload against the signature header, then applies it.
// The processed_events row is inserted first in the same transaction as the
// ledger mutation; a conflicting insert means the event was already applied.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if p.secret == "" {
		return Outcome{}, ErrNotConfigured
	}
	if err := webhook.ValidatePayload(payload, signature, p.secret); err != nil {
		p.log.Warn().Err(err).Msg("webhook signature rejected")
		p.metrics.WebhookEvent("unknown", "rejected")
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	env, err := Decode(payload)
	if err != nil {
		p.log.Warn().Err(err).Msg("webhook payload rejected")
		p.metrics.WebhookEvent("unknown", "invalid")
		return Outcome{}, err
	}
	return p.Apply(ctx, env)
}

// Apply runs a decoded envelope against the ledger.
func (p *Processor) Apply(ctx context.Context, env *Envelope) (Outcome, error) {
	out := Outcome{EventID: env.ID, EventType: env.Type}
	now := p.now()
	err := p.store.WithTx(ctx, func(tx subscriptions.Store) error {
		inserted, err := tx.InsertProcessedEvent(ctx, &subscriptions.ProcessedEvent{
			EventID:     env.ID,
			EventType:   env.Type,
			Outcome:     "pending",
			ProcessedAt: now,
		})
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if !inserted {
			out.Status = StatusDuplicate
			return nil
		}
		summary, err := p.dispatch(ctx, tx, env.Event, now)
		if err != nil {
			return err
		}
		out.Status = StatusProcessed
		out.Summary = summary
		return tx.SetEventOutcome(ctx, env.ID, summary)
	})
	logger := p.log.With().Str("event_id", env.ID).Str("event_type", env.Type).Logger()
	if err != nil {
		if errors.Is(err, ErrUnknownSubscription) {
			logger.Warn().Err(err).Msg("event deferred")
			p.metrics.WebhookEvent(env.Type, "deferred")
		} else {
			logger.Error().Err(err).Msg("event failed")
			p.metrics.WebhookEvent(env.Type, "error")
		}
		return Outcome{}, err
	}
	if out.Status == StatusDuplicate {
		logger.Info().Msg("duplicate delivery ignored")
		p.metrics.WebhookEvent(env.Type, string(StatusDuplicate))
		return out, nil
	}
	logger.Info().Str("outcome", out.Summary).Msg("event processed")
	p.metrics.WebhookEvent(env.Type, string(StatusProcessed))
	return out, nil
}

func (p *Processor) dispatch(ctx context.Context, tx subscriptions.Store, ev Event, now time.Time) (string, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return p.checkoutCompleted(ctx, tx, e, now)
	case SubscriptionCreated:
		return p.subscriptionCreated(ctx, tx, e, now)
	case SubscriptionUpdated:
		return p.subscriptionUpdated(ctx, tx, e, now)
	case SubscriptionRenewed:
		return p.subscriptionRenewed(ctx, tx, e, now)
	case SubscriptionCanceled:
		ok, err := tx.SetStatusByRef(ctx, e.SubscriptionRef, subscriptions.StatusCanceled, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, e.SubscriptionRef)
		}
		return "canceled", nil
	case Unhandled:
		return "ignored", nil
	}
	return "", fmt.Errorf("billing: unsupported event %T", ev)
}

func (p *Processor) checkoutCompleted(ctx context.Context, tx subscriptions.Store, e CheckoutCompleted, now time.Time) (string, error) {
	action := p.prices.Lookup(e.PriceID)
	switch action.Kind {
	case ActionCredits:
		if err := tx.AddCredits(ctx, e.UserID, action.Credits, action.Tier, now); err != nil {
			return "", fmt.Errorf("add credits: %w", err)
		}
		return fmt.Sprintf("credits_added:%d", action.Credits), nil
	case ActionPurchase:
		if e.ItemID == "" {
			return "", &ValidationError{Field: "metadata.item_id", Message: "required for purchases"}
		}
		fulfilled, err := tx.FulfillPurchase(ctx, &subscriptions.Purchase{
			ItemID:      e.ItemID,
			UserID:      e.UserID,
			ExternalRef: e.SessionID,
			FulfilledAt: now,
		})
		if err != nil {
			return "", fmt.Errorf("fulfill purchase: %w", err)
		}
		if !fulfilled {
			return "purchase_already_fulfilled", nil
		}
		return "purchase_fulfilled", nil
	case ActionSubscription:
		return "subscription_checkout", nil
	}
	p.log.Warn().Str("price_id", e.PriceID).Str("user_id", e.UserID).Msg("unmapped price, no action")
	return "unmapped_price", nil
}

func (p *Processor) subscriptionCreated(ctx context.Context, tx subscriptions.Store, e SubscriptionCreated, now time.Time) (string, error) {
	action := p.prices.Lookup(e.PriceID)
	if action.Kind != ActionSubscription {
		p.log.Warn().Str("price_id", e.PriceID).Str("user_id", e.UserID).Msg("unmapped subscription price, no action")
		return "unmapped_price", nil
	}
	if current, err := tx.GetSubscription(ctx, e.UserID); err == nil {
		if current.ExternalRef == e.SubscriptionRef && current.Status == subscriptions.StatusCanceled {
			return p.ignoreCanceled(e.SubscriptionRef), nil
		}
	} else if !errors.Is(err, subscriptions.ErrNotFound) {
		return "", err
	}
	credits := p.policy.creditsFor(action.Tier, action)
	err := tx.UpsertSubscription(ctx, &subscriptions.Subscription{
		UserID:           e.UserID,
		Tier:             action.Tier,
		Status:           subscriptions.StatusActive,
		CreditsRemaining: credits,
		ExternalRef:      e.SubscriptionRef,
		RenewsAt:         e.RenewsAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return "", fmt.Errorf("upsert subscription: %w", err)
	}
	return fmt.Sprintf("subscription_created:%s:%d", action.Tier, credits), nil
}

func (p *Processor) subscriptionUpdated(ctx context.Context, tx subscriptions.Store, e SubscriptionUpdated, now time.Time) (string, error) {
	current, err := tx.GetSubscriptionByRef(ctx, e.SubscriptionRef)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, e.SubscriptionRef)
		}
		return "", err
	}
	if current.Status == subscriptions.StatusCanceled {
		return p.ignoreCanceled(e.SubscriptionRef), nil
	}
	tier := current.Tier
	if action := p.prices.Lookup(e.PriceID); action.Kind == ActionSubscription {
		tier = action.Tier
	}
	ok, err := tx.UpdateSubscriptionByRef(ctx, e.SubscriptionRef, tier, e.Status, e.RenewsAt, now)
	if err != nil {
		return "", fmt.Errorf("update subscription: %w", err)
	}
	if !ok {
		return p.ignoreCanceled(e.SubscriptionRef), nil
	}
	return fmt.Sprintf("subscription_updated:%s:%s", tier, e.Status), nil
}

func (p *Processor) subscriptionRenewed(ctx context.Context, tx subscriptions.Store, e SubscriptionRenewed, now time.Time) (string, error) {
	current, err := tx.GetSubscriptionByRef(ctx, e.SubscriptionRef)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownSubscription, e.SubscriptionRef)
		}
		return "", err
	}
	if current.Status == subscriptions.StatusCanceled {
		return p.ignoreCanceled(e.SubscriptionRef), nil
	}
	action := p.prices.Lookup(e.PriceID)
	tier := current.Tier
	if action.Kind == ActionSubscription {
		tier = action.Tier
	}
	amount := p.policy.creditsFor(tier, action)
	ok, err := tx.RefillCredits(ctx, e.SubscriptionRef, amount, p.policy.Renewal, e.RenewsAt, now)
	if err != nil {
		return "", fmt.Errorf("refill credits: %w", err)
	}
	if !ok {
		return p.ignoreCanceled(e.SubscriptionRef), nil
	}
	return fmt.Sprintf("renewed:%s:%d", p.policy.Renewal, amount), nil
}

// ignoreCanceled records a late event for a subscription that was already
// canceled. Cancellation is terminal, so the event is acknowledged, not retried.
func (p *Processor) ignoreCanceled(ref string) string {
	p.log.Info().Str("subscription_ref", ref).Msg("event for canceled subscription ignored")
	return outcomeIgnoredCanceled
}
