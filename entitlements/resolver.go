package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"nudge-backend/logging"
	"nudge-backend/subscriptions"
)

// ErrMissingUser is returned when no user id was supplied.
var ErrMissingUser = errors.New("entitlements: user id required")

// Entitlement is a point-in-time view of what a user may do.
type Entitlement struct {
	UserID              string               `json:"user_id"`
	Tier                subscriptions.Tier   `json:"tier"`
	Status              subscriptions.Status `json:"status"`
	CreditsRemaining    int                  `json:"credits_remaining"`
	FreeCountThisWindow int                  `json:"weekly_usage_count"`
	WindowStart         time.Time            `json:"window_start"`
	WeeklyLimit         int                  `json:"max_free_actions_per_week"`
	WeeklyLimitReached  bool                 `json:"weekly_limit_reached"`
}

// CanPerformGatedAction reports whether a reservation would currently succeed.
// Paid tiers spend credits; the free tier spends the weekly quota.
func (e Entitlement) CanPerformGatedAction() bool {
	if e.Tier.Paid() {
		return e.CreditsRemaining > 0
	}
	return !e.WeeklyLimitReached
}

type Resolver struct {
	store  subscriptions.Store
	window subscriptions.Window
	now    func() time.Time
	log    zerolog.Logger
}

func NewResolver(store subscriptions.Store, window subscriptions.Window) *Resolver {
	return &Resolver{
		store:  store,
		window: window,
		now:    time.Now,
		log:    logging.Component("entitlements"),
	}
}

// Resolve reads the user's subscription and weekly counter. An elapsed window
// is projected as reset without being written back.
func (r *Resolver) Resolve(ctx context.Context, userID string) (Entitlement, error) {
	return r.resolve(ctx, r.store, userID, r.now())
}

// Reconcile is Resolve plus persisting an elapsed window's reset.
func (r *Resolver) Reconcile(ctx context.Context, userID string) (Entitlement, error) {
	if userID == "" {
		return Entitlement{}, ErrMissingUser
	}
	now := r.now()
	var ent Entitlement
	err := r.store.WithTx(ctx, func(tx subscriptions.Store) error {
		reset, err := tx.ResetWeeklyUsage(ctx, userID, r.window, now)
		if err != nil {
			return err
		}
		if reset {
			r.log.Info().Str("user_id", userID).Msg("weekly window reset")
		}
		ent, err = r.resolve(ctx, tx, userID, now)
		return err
	})
	return ent, err
}

func (r *Resolver) resolve(ctx context.Context, store subscriptions.Store, userID string, now time.Time) (Entitlement, error) {
	if userID == "" {
		return Entitlement{}, ErrMissingUser
	}
	ent := Entitlement{
		UserID:      userID,
		Tier:        subscriptions.TierFree,
		Status:      subscriptions.StatusActive,
		WindowStart: now,
		WeeklyLimit: r.window.Limit,
	}

	sub, err := store.GetSubscription(ctx, userID)
	switch {
	case err == nil:
		ent.Tier = sub.Tier
		ent.Status = sub.Status
		ent.CreditsRemaining = sub.CreditsRemaining
	case errors.Is(err, subscriptions.ErrNotFound):
	default:
		return Entitlement{}, err
	}

	count, start := 0, now
	usage, err := store.GetWeeklyUsage(ctx, userID)
	switch {
	case err == nil:
		count, start = usage.Count, usage.WindowStart
	case errors.Is(err, subscriptions.ErrNotFound):
	default:
		return Entitlement{}, err
	}
	ent.FreeCountThisWindow, ent.WindowStart = r.window.Effective(count, start, now)
	ent.WeeklyLimitReached = !r.window.Allows(count, start, now)
	return ent, nil
}
