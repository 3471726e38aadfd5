package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nudge-backend/logging"
	"nudge-backend/metrics"
	"nudge-backend/subscriptions"
)

var (
	ErrMissingUser          = errors.New("quota: user id required")
	ErrReservationNotFound  = errors.New("quota: reservation not found")
	ErrReservationRefunded  = errors.New("quota: reservation already refunded")
	ErrReservationCommitted = errors.New("quota: reservation already committed")
)

type State string

const (
	StateReserved State = "reserved"
	StateDenied   State = "denied"
)

// Reason explains a denial to the caller.
type Reason string

const (
	ReasonNoCredits   Reason = "no_credits"
	ReasonWeeklyLimit Reason = "weekly_limit_reached"
)

// Result of Reserve. Denied is an expected outcome and carries no error.
type Result struct {
	State       State
	Reason      Reason
	Reservation *subscriptions.Reservation
}

func (r Result) Denied() bool { return r.State == StateDenied }

type Options struct {
	// Ref links the reservation to the record it pays for, e.g. a check-in id.
	Ref string
}

// Reserver guards the spend of one gated action. Every debit is a single
// conditional statement so concurrent callers cannot both spend the last unit.
type Reserver struct {
	store   subscriptions.Store
	window  subscriptions.Window
	metrics *metrics.Recorder
	now     func() time.Time
	log     zerolog.Logger
}

func NewReserver(store subscriptions.Store, window subscriptions.Window, rec *metrics.Recorder) *Reserver {
	return &Reserver{
		store:   store,
		window:  window,
		metrics: rec,
		now:     time.Now,
		log:     logging.Component("quota"),
	}
}

// Reserve debits one credit (paid tiers) or one weekly free action (free tier)
// and records the reservation in the same transaction.
func (r *Reserver) Reserve(ctx context.Context, userID string, opts Options) (Result, error) {
	if userID == "" {
		return Result{}, ErrMissingUser
	}
	now := r.now()
	var result Result
	err := r.store.WithTx(ctx, func(tx subscriptions.Store) error {
		tier := subscriptions.TierFree
		sub, err := tx.GetSubscription(ctx, userID)
		switch {
		case err == nil:
			tier = sub.Tier
		case errors.Is(err, subscriptions.ErrNotFound):
		default:
			return err
		}

		res := &subscriptions.Reservation{
			ID:        uuid.NewString(),
			UserID:    userID,
			State:     subscriptions.StateReserved,
			Ref:       opts.Ref,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if tier.Paid() {
			ok, err := tx.DecrementCredit(ctx, userID, now)
			if err != nil {
				return fmt.Errorf("decrement credit: %w", err)
			}
			if !ok {
				result = Result{State: StateDenied, Reason: ReasonNoCredits}
				return nil
			}
			res.Kind = subscriptions.KindCredit
		} else {
			ok, start, err := tx.IncrementWeeklyUsage(ctx, userID, r.window, now)
			if err != nil {
				return fmt.Errorf("increment weekly usage: %w", err)
			}
			if !ok {
				result = Result{State: StateDenied, Reason: ReasonWeeklyLimit}
				return nil
			}
			res.Kind = subscriptions.KindWeekly
			res.WindowStart = &start
		}
		if err := tx.CreateReservation(ctx, res); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		result = Result{State: StateReserved, Reservation: res}
		return nil
	})
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("reserve failed")
		return Result{}, err
	}

	if result.Denied() {
		r.log.Info().Str("user_id", userID).Str("reason", string(result.Reason)).Msg("reservation denied")
		kind := subscriptions.KindWeekly
		if result.Reason == ReasonNoCredits {
			kind = subscriptions.KindCredit
		}
		r.metrics.Reservation(string(kind), "denied")
		return result, nil
	}
	r.log.Info().
		Str("user_id", userID).
		Str("reservation_id", result.Reservation.ID).
		Str("kind", string(result.Reservation.Kind)).
		Msg("reserved")
	r.metrics.Reservation(string(result.Reservation.Kind), "reserved")
	return result, nil
}

// Commit marks the reservation consumed. Committing twice is a no-op.
func (r *Reserver) Commit(ctx context.Context, id string) error {
	ok, err := r.store.CommitReservation(ctx, id, r.now())
	if err != nil {
		return err
	}
	res, err := r.store.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, subscriptions.ErrNotFound) {
			return ErrReservationNotFound
		}
		return err
	}
	if ok {
		r.log.Info().Str("reservation_id", id).Str("user_id", res.UserID).Msg("committed")
		r.metrics.Reservation(string(res.Kind), "committed")
		return nil
	}
	if res.State == subscriptions.StateRefunded {
		return ErrReservationRefunded
	}
	return nil
}

// Refund reverses the debit made by Reserve. Refunding twice is a no-op.
func (r *Reserver) Refund(ctx context.Context, id string) error {
	_, err := r.refund(ctx, id)
	return err
}

// refund reports whether this call performed the reversal.
func (r *Reserver) refund(ctx context.Context, id string) (bool, error) {
	now := r.now()
	var refunded *subscriptions.Reservation
	err := r.store.WithTx(ctx, func(tx subscriptions.Store) error {
		ok, err := tx.RefundReservation(ctx, id, now)
		if err != nil {
			return err
		}
		res, err := tx.GetReservation(ctx, id)
		if err != nil {
			if errors.Is(err, subscriptions.ErrNotFound) {
				return ErrReservationNotFound
			}
			return err
		}
		if !ok {
			if res.State == subscriptions.StateCommitted {
				return ErrReservationCommitted
			}
			return nil
		}

		switch res.Kind {
		case subscriptions.KindCredit:
			if err := tx.IncrementCredit(ctx, res.UserID, now); err != nil {
				return fmt.Errorf("restore credit: %w", err)
			}
		case subscriptions.KindWeekly:
			if res.WindowStart == nil {
				return nil
			}
			restored, err := tx.DecrementWeeklyUsage(ctx, res.UserID, *res.WindowStart)
			if err != nil {
				return fmt.Errorf("restore weekly usage: %w", err)
			}
			if !restored {
				// The window has rolled over; the new one already starts at zero.
				r.log.Debug().Str("reservation_id", id).Msg("weekly window moved on, nothing to restore")
			}
		}
		refunded = res
		return nil
	})
	if err != nil {
		return false, err
	}
	if refunded == nil {
		return false, nil
	}
	r.log.Warn().
		Str("reservation_id", id).
		Str("user_id", refunded.UserID).
		Str("kind", string(refunded.Kind)).
		Msg("refunded")
	r.metrics.Reservation(string(refunded.Kind), "refunded")
	return true, nil
}

func (r *Reserver) Get(ctx context.Context, id string) (*subscriptions.Reservation, error) {
	res, err := r.store.GetReservation(ctx, id)
	if errors.Is(err, subscriptions.ErrNotFound) {
		return nil, ErrReservationNotFound
	}
	return res, err
}
