package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nudge-backend/subscriptions"
)

// PreferencesUpdate carries the fields a client wants to change; nil fields
// keep their stored value.
type PreferencesUpdate struct {
	DailyQuotesEnabled *bool
	AudioNudgesEnabled *bool
	QuoteScheduleHour  *int
}

type AccountStatus struct {
	IsPro            bool                 `json:"is_pro"`
	Tier             subscriptions.Tier   `json:"tier"`
	Status           subscriptions.Status `json:"status,omitempty"`
	CreditsRemaining int                  `json:"credits_remaining"`
	SubscriptionRef  string               `json:"subscription_ref,omitempty"`
}

type AccountSummary struct {
	UserID       string                         `json:"user_id"`
	Preferences  *subscriptions.UserPreferences `json:"preferences"`
	Subscription AccountStatus                  `json:"subscription"`
	Streak       int                            `json:"streak"`
}

// Preferences returns the stored preferences, or the defaults when the user
// never saved any.
func (s *Service) Preferences(ctx context.Context, userID string) (*subscriptions.UserPreferences, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrMissingField)
	}
	p, err := s.store.GetPreferences(ctx, userID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		return subscriptions.DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	return p, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, upd PreferencesUpdate) (*subscriptions.UserPreferences, error) {
	p, err := s.Preferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.DailyQuotesEnabled != nil {
		p.DailyQuotesEnabled = *upd.DailyQuotesEnabled
	}
	if upd.AudioNudgesEnabled != nil {
		p.AudioNudgesEnabled = *upd.AudioNudgesEnabled
	}
	if upd.QuoteScheduleHour != nil {
		p.QuoteScheduleHour = *upd.QuoteScheduleHour
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpsertPreferences(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info().Str("user_id", p.UserID).Bool("audio_nudges_enabled", p.AudioNudgesEnabled).Msg("preferences updated")
	return p, nil
}

// Summary gathers preferences, subscription state and streak for one user.
func (s *Service) Summary(ctx context.Context, userID string) (*AccountSummary, error) {
	prefs, err := s.Preferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	status, err := s.accountStatus(ctx, prefs.UserID)
	if err != nil {
		return nil, err
	}
	streak, err := s.Streak(ctx, prefs.UserID)
	if err != nil {
		return nil, err
	}
	return &AccountSummary{UserID: prefs.UserID, Preferences: prefs, Subscription: status, Streak: streak}, nil
}

func (s *Service) accountStatus(ctx context.Context, userID string) (AccountStatus, error) {
	sub, err := s.store.GetSubscription(ctx, userID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		return AccountStatus{Tier: subscriptions.TierFree}, nil
	}
	if err != nil {
		return AccountStatus{}, fmt.Errorf("load subscription: %w", err)
	}
	return AccountStatus{
		IsPro:            sub.Tier.Paid(),
		Tier:             sub.Tier,
		Status:           sub.Status,
		CreditsRemaining: sub.CreditsRemaining,
		SubscriptionRef:  sub.ExternalRef,
	}, nil
}

// audioAllowed reports whether a check-in may spend an action on audio:
// paid tiers always may, free users only after opting in.
func (s *Service) audioAllowed(ctx context.Context, userID string) (bool, error) {
	status, err := s.accountStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	if status.IsPro {
		return true, nil
	}
	prefs, err := s.Preferences(ctx, userID)
	if err != nil {
		return false, err
	}
	return prefs.AudioNudgesEnabled, nil
}
