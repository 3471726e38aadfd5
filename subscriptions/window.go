package subscriptions

import "time"

// Window is the rolling free-tier quota window.
type Window struct {
	Length time.Duration
	Limit  int
}

// DefaultWindow allows one free gated action per 7 days.
var DefaultWindow = Window{Length: 7 * 24 * time.Hour, Limit: 1}

// Expired reports whether a window opened at start has elapsed at now.
func (w Window) Expired(start, now time.Time) bool {
	return !now.Before(start.Add(w.Length))
}

// Effective returns the count and window start that apply at now. When the
// window has elapsed the count is 0 and the window restarts at now.
func (w Window) Effective(count int, start, now time.Time) (int, time.Time) {
	if w.Expired(start, now) {
		return 0, now
	}
	return count, start
}

// Allows reports whether one more action fits in the window at now.
func (w Window) Allows(count int, start, now time.Time) bool {
	c, _ := w.Effective(count, start, now)
	return c < w.Limit
}

// cutoff is the newest window_start that counts as elapsed at now.
func (w Window) cutoff(now time.Time) int64 {
	return now.Add(-w.Length).Unix()
}
