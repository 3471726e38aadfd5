package subscriptions

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("subscriptions: not found")
	// ErrNegativeAmount rejects credit mutations that would move the balance the wrong way.
	ErrNegativeAmount = errors.New("subscriptions: amount must be >= 0")
	ErrInvalidHour    = errors.New("subscriptions: quote hour must be between 0 and 23")
)

// RefillMode selects how a renewal applies the tier allowance.
type RefillMode string

const (
	RefillReset    RefillMode = "reset"
	RefillAdditive RefillMode = "additive"
)

// Store is the persistence port for the ledger. Every mutation is a single
// conditional statement; callers needing several of them atomically use WithTx.
type Store interface {
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	GetSubscriptionByRef(ctx context.Context, externalRef string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, s *Subscription) error
	UpdateSubscriptionByRef(ctx context.Context, externalRef string, tier Tier, status Status, renewsAt *time.Time, now time.Time) (bool, error)
	SetStatusByRef(ctx context.Context, externalRef string, status Status, now time.Time) (bool, error)
	AddCredits(ctx context.Context, userID string, amount int, tierIfFree Tier, now time.Time) error
	RefillCredits(ctx context.Context, externalRef string, amount int, mode RefillMode, renewsAt *time.Time, now time.Time) (bool, error)
	DecrementCredit(ctx context.Context, userID string, now time.Time) (bool, error)
	IncrementCredit(ctx context.Context, userID string, now time.Time) error

	GetWeeklyUsage(ctx context.Context, userID string) (*WeeklyUsageCounter, error)
	IncrementWeeklyUsage(ctx context.Context, userID string, w Window, now time.Time) (bool, time.Time, error)
	DecrementWeeklyUsage(ctx context.Context, userID string, windowStart time.Time) (bool, error)
	ResetWeeklyUsage(ctx context.Context, userID string, w Window, now time.Time) (bool, error)

	InsertProcessedEvent(ctx context.Context, e *ProcessedEvent) (bool, error)
	SetEventOutcome(ctx context.Context, eventID, outcome string) error

	InsertCheckIn(ctx context.Context, c *DailyCheckIn) (bool, error)
	GetCheckIn(ctx context.Context, userID, day string) (*DailyCheckIn, error)
	CheckInDays(ctx context.Context, userID string, limit int) ([]string, error)
	SetCheckInAudio(ctx context.Context, checkInID, audioURL string) error

	CreateReservation(ctx context.Context, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	CommitReservation(ctx context.Context, id string, now time.Time) (bool, error)
	RefundReservation(ctx context.Context, id string, now time.Time) (bool, error)
	AttachJob(ctx context.Context, id, jobID string, now time.Time) error
	SetReservationMedia(ctx context.Context, id, mediaURL string, now time.Time) error
	ListStaleReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error)

	FulfillPurchase(ctx context.Context, p *Purchase) (bool, error)

	GetPreferences(ctx context.Context, userID string) (*UserPreferences, error)
	UpsertPreferences(ctx context.Context, p *UserPreferences) error

	Ping(ctx context.Context) error
	// WithTx runs fn against a Store bound to one transaction. fn's error rolls it back.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
