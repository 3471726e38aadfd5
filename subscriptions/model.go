package subscriptions

import "time"

type Tier string

const (
	TierFree      Tier = "free"
	TierOneTime   Tier = "one-time"
	TierUnlimited Tier = "unlimited"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierOneTime, TierUnlimited:
		return true
	}
	return false
}

// Paid reports whether the tier spends credits instead of the weekly free quota.
func (t Tier) Paid() bool { return t == TierOneTime || t == TierUnlimited }

type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
)

type Subscription struct {
	UserID           string     `json:"user_id"`
	Tier             Tier       `json:"tier"`
	Status           Status     `json:"status"`
	CreditsRemaining int        `json:"credits_remaining"`
	ExternalRef      string     `json:"external_ref,omitempty"`
	RenewsAt         *time.Time `json:"renews_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// WeeklyUsageCounter tracks free-tier gated actions inside the current window.
type WeeklyUsageCounter struct {
	UserID      string    `json:"user_id"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

type DailyCheckIn struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Day        string    `json:"day"` // YYYY-MM-DD, UTC
	Mood       string    `json:"mood"`
	Message    string    `json:"message"`
	Motivation string    `json:"motivation"`
	AudioURL   string    `json:"audio_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DayKey formats t as the calendar day used by DailyCheckIn.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

type ReservationKind string

const (
	// KindCredit debits Subscription.CreditsRemaining.
	KindCredit ReservationKind = "credit"
	// KindWeekly debits the free-tier WeeklyUsageCounter.
	KindWeekly ReservationKind = "weekly"
)

type ReservationState string

const (
	StateReserved  ReservationState = "reserved"
	StateCommitted ReservationState = "committed"
	StateRefunded  ReservationState = "refunded"
)

type Reservation struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Kind        ReservationKind  `json:"kind"`
	State       ReservationState `json:"state"`
	WindowStart *time.Time       `json:"window_start,omitempty"`
	Ref         string           `json:"ref,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	MediaURL    string           `json:"media_url,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Purchase is a fulfilled one-time unlock of a content item.
type Purchase struct {
	ItemID      string    `json:"item_id"`
	UserID      string    `json:"user_id"`
	ExternalRef string    `json:"external_ref"`
	FulfilledAt time.Time `json:"fulfilled_at"`
}

// DefaultQuoteHour is the UTC hour daily quotes go out when the user has not
// picked one.
const DefaultQuoteHour = 10

// UserPreferences are the user's opt-ins for daily quotes and voiced nudges.
type UserPreferences struct {
	UserID             string    `json:"user_id"`
	DailyQuotesEnabled bool      `json:"daily_quotes_enabled"`
	AudioNudgesEnabled bool      `json:"audio_nudges_enabled"`
	QuoteScheduleHour  int       `json:"quote_schedule_hour"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultPreferences is what a user without a stored row gets.
func DefaultPreferences(userID string) *UserPreferences {
	return &UserPreferences{UserID: userID, QuoteScheduleHour: DefaultQuoteHour}
}
