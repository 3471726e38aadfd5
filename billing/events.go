package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v78"

	"nudge-backend/subscriptions"
)

var (
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	ErrMalformedEvent   = errors.New("billing: malformed event")
	// ErrUnknownSubscription means the event references a subscription whose
	// creation has not been processed yet. The delivery is retried later.
	ErrUnknownSubscription = errors.New("billing: unknown subscription")
	ErrNotConfigured       = errors.New("billing: webhook secret not configured")
)

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("billing: invalid %s: %s", e.Field, e.Message)
}

// Event is one of the variants below.
type Event interface {
	kind() string
}

type CheckoutCompleted struct {
	SessionID string
	UserID    string
	PriceID   string
	ItemID    string
}

type SubscriptionCreated struct {
	SubscriptionRef string
	UserID          string
	PriceID         string
	RenewsAt        *time.Time
}

type SubscriptionUpdated struct {
	SubscriptionRef string
	PriceID         string
	Status          subscriptions.Status
	RenewsAt        *time.Time
}

type SubscriptionRenewed struct {
	SubscriptionRef string
	PriceID         string
	RenewsAt        *time.Time
}

type SubscriptionCanceled struct {
	SubscriptionRef string
}

// Unhandled is any event type the ledger does not act on.
type Unhandled struct {
	Type string
}

func (CheckoutCompleted) kind() string    { return "checkout_completed" }
func (SubscriptionCreated) kind() string  { return "subscription_created" }
func (SubscriptionUpdated) kind() string  { return "subscription_updated" }
func (SubscriptionRenewed) kind() string  { return "subscription_renewed" }
func (SubscriptionCanceled) kind() string { return "subscription_canceled" }
func (Unhandled) kind() string            { return "unhandled" }

// Envelope is a decoded, validated delivery.
type Envelope struct {
	ID    string
	Type  string
	Event Event
}

// Decode parses a verified payload into its variant.
func Decode(payload []byte) (*Envelope, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, &ValidationError{Field: "id", Message: "required"}
	}
	env := &Envelope{ID: raw.ID, Type: string(raw.Type)}
	if env.Type == "" {
		return nil, &ValidationError{Field: "type", Message: "required"}
	}

	var object json.RawMessage
	if raw.Data != nil {
		object = raw.Data.Raw
	}
	decode := func(v any) error {
		if len(object) == 0 {
			return &ValidationError{Field: "data.object", Message: "required"}
		}
		if err := json.Unmarshal(object, v); err != nil {
			return fmt.Errorf("%w: data.object: %v", ErrMalformedEvent, err)
		}
		return nil
	}

	var err error
	switch env.Type {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err = decode(&s); err == nil {
			env.Event, err = checkoutCompleted(&s)
		}
	case "customer.subscription.created":
		var s stripe.Subscription
		if err = decode(&s); err == nil {
			env.Event, err = subscriptionCreated(&s)
		}
	case "customer.subscription.updated":
		var s stripe.Subscription
		if err = decode(&s); err == nil {
			env.Event, err = subscriptionUpdated(&s)
		}
	case "customer.subscription.deleted":
		var s stripe.Subscription
		if err = decode(&s); err == nil {
			if s.ID == "" {
				err = &ValidationError{Field: "data.object.id", Message: "required"}
			}
			env.Event = SubscriptionCanceled{SubscriptionRef: s.ID}
		}
	case "invoice.paid":
		var inv stripe.Invoice
		if err = decode(&inv); err == nil {
			env.Event, err = invoicePaid(&inv, env.Type)
		}
	default:
		env.Event = Unhandled{Type: env.Type}
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

func checkoutCompleted(s *stripe.CheckoutSession) (Event, error) {
	userID := s.Metadata["user_id"]
	if userID == "" {
		userID = s.ClientReferenceID
	}
	if userID == "" {
		return nil, &ValidationError{Field: "metadata.user_id", Message: "required"}
	}
	priceID := s.Metadata["price_id"]
	if priceID == "" && s.LineItems != nil && len(s.LineItems.Data) > 0 && s.LineItems.Data[0].Price != nil {
		priceID = s.LineItems.Data[0].Price.ID
	}
	return CheckoutCompleted{
		SessionID: s.ID,
		UserID:    userID,
		PriceID:   priceID,
		ItemID:    s.Metadata["item_id"],
	}, nil
}

func subscriptionCreated(s *stripe.Subscription) (Event, error) {
	if s.ID == "" {
		return nil, &ValidationError{Field: "data.object.id", Message: "required"}
	}
	userID := s.Metadata["user_id"]
	if userID == "" {
		return nil, &ValidationError{Field: "metadata.user_id", Message: "required"}
	}
	return SubscriptionCreated{
		SubscriptionRef: s.ID,
		UserID:          userID,
		PriceID:         subscriptionPrice(s),
		RenewsAt:        unixPtr(s.CurrentPeriodEnd),
	}, nil
}

func subscriptionUpdated(s *stripe.Subscription) (Event, error) {
	if s.ID == "" {
		return nil, &ValidationError{Field: "data.object.id", Message: "required"}
	}
	status := subscriptions.StatusActive
	if s.Status == stripe.SubscriptionStatusCanceled {
		status = subscriptions.StatusCanceled
	}
	return SubscriptionUpdated{
		SubscriptionRef: s.ID,
		PriceID:         subscriptionPrice(s),
		Status:          status,
		RenewsAt:        unixPtr(s.CurrentPeriodEnd),
	}, nil
}

// invoicePaid only renews on the recurring cycle; the first invoice of a
// subscription is covered by customer.subscription.created.
func invoicePaid(inv *stripe.Invoice, eventType string) (Event, error) {
	if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return Unhandled{Type: eventType + ":" + string(inv.BillingReason)}, nil
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return nil, &ValidationError{Field: "data.object.subscription", Message: "required"}
	}
	ev := SubscriptionRenewed{SubscriptionRef: inv.Subscription.ID}
	if inv.Lines != nil && len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Price != nil {
			ev.PriceID = line.Price.ID
		}
		if line.Period != nil {
			ev.RenewsAt = unixPtr(line.Period.End)
		}
	}
	return ev, nil
}

func subscriptionPrice(s *stripe.Subscription) string {
	if s.Items == nil {
		return ""
	}
	for _, item := range s.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
