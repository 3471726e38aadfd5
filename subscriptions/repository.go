package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements Store on database/sql.
type Repository struct {
	db      *sql.DB
	q       querier
	dialect Dialect
}

var _ Store = (*Repository)(nil)

func NewRepository(db *sql.DB, d Dialect) *Repository {
	return &Repository{db: db, q: db, dialect: d}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, nested := r.q.(*sql.Tx); nested {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Repository{db: r.db, q: tx, dialect: r.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Subscriptions ---

const subscriptionColumns = `user_id, tier, status, credits_remaining, external_ref, renews_at, created_at, updated_at`

func (r *Repository) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	return scanSubscription(row)
}

func (r *Repository) GetSubscriptionByRef(ctx context.Context, externalRef string) (*Subscription, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_ref = ? LIMIT 1`, externalRef)
	return scanSubscription(row)
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	var (
		s                    Subscription
		ref                  sql.NullString
		renews               sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.UserID, &s.Tier, &s.Status, &s.CreditsRemaining, &ref, &renews, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ExternalRef = ref.String
	s.RenewsAt = fromNullUnix(renews)
	s.CreatedAt = fromUnix(createdAt)
	s.UpdatedAt = fromUnix(updatedAt)
	return &s, nil
}

// UpsertSubscription creates the user's subscription or overwrites tier,
// status, credits, reference and renewal date on the existing row.
func (r *Repository) UpsertSubscription(ctx context.Context, s *Subscription) error {
	if s.CreditsRemaining < 0 {
		return ErrNegativeAmount
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	d := r.dialect
	query := `INSERT INTO subscriptions (` + subscriptionColumns + `) VALUES (?,?,?,?,?,?,?,?) ` +
		d.onConflict("user_id") + ` ` +
		`tier = ` + d.excluded("tier") +
		`, status = ` + d.excluded("status") +
		`, credits_remaining = ` + d.excluded("credits_remaining") +
		`, external_ref = ` + d.excluded("external_ref") +
		`, renews_at = ` + d.excluded("renews_at") +
		`, updated_at = ` + d.excluded("updated_at")
	_, err := r.q.ExecContext(ctx, query,
		s.UserID, s.Tier, s.Status, s.CreditsRemaining, nullString(s.ExternalRef), nullUnix(s.RenewsAt), unix(s.CreatedAt), unix(s.UpdatedAt))
	return err
}

// UpdateSubscriptionByRef applies a plan change. Canceled rows are terminal
// and report false.
func (r *Repository) UpdateSubscriptionByRef(ctx context.Context, externalRef string, tier Tier, status Status, renewsAt *time.Time, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE subscriptions SET tier = ?, status = ?, renews_at = COALESCE(?, renews_at), updated_at = ?
		 WHERE external_ref = ? AND status <> ?`,
		tier, status, nullUnix(renewsAt), unix(now), externalRef, StatusCanceled)
	return affected(res, err)
}

func (r *Repository) SetStatusByRef(ctx context.Context, externalRef string, status Status, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE external_ref = ?`,
		status, unix(now), externalRef)
	return affected(res, err)
}

// AddCredits tops up the user's balance, creating the row when missing. A
// free-tier row is promoted to tierIfFree; paid tiers are left alone.
func (r *Repository) AddCredits(ctx context.Context, userID string, amount int, tierIfFree Tier, now time.Time) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	d := r.dialect
	query := `INSERT INTO subscriptions (user_id, tier, status, credits_remaining, created_at, updated_at) VALUES (?,?,?,?,?,?) ` +
		d.onConflict("user_id") + ` ` +
		`credits_remaining = credits_remaining + ` + d.excluded("credits_remaining") +
		`, tier = CASE WHEN tier = 'free' THEN ` + d.excluded("tier") + ` ELSE tier END` +
		`, updated_at = ` + d.excluded("updated_at")
	_, err := r.q.ExecContext(ctx, query, userID, tierIfFree, StatusActive, amount, unix(now), unix(now))
	return err
}

// RefillCredits applies a renewal to the subscription identified by its
// external reference and marks it active. A canceled subscription is never
// refilled; false is returned instead.
func (r *Repository) RefillCredits(ctx context.Context, externalRef string, amount int, mode RefillMode, renewsAt *time.Time, now time.Time) (bool, error) {
	if amount < 0 {
		return false, ErrNegativeAmount
	}
	set := `credits_remaining = ?`
	if mode == RefillAdditive {
		set = `credits_remaining = credits_remaining + ?`
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE subscriptions SET `+set+`, status = ?, renews_at = COALESCE(?, renews_at), updated_at = ?
		 WHERE external_ref = ? AND status <> ?`,
		amount, StatusActive, nullUnix(renewsAt), unix(now), externalRef, StatusCanceled)
	return affected(res, err)
}

// DecrementCredit spends one credit only while the balance is positive.
func (r *Repository) DecrementCredit(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE subscriptions SET credits_remaining = credits_remaining - 1, updated_at = ?
		 WHERE user_id = ? AND credits_remaining > 0 AND tier IN (?, ?)`,
		unix(now), userID, TierOneTime, TierUnlimited)
	return affected(res, err)
}

func (r *Repository) IncrementCredit(ctx context.Context, userID string, now time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE subscriptions SET credits_remaining = credits_remaining + 1, updated_at = ? WHERE user_id = ?`,
		unix(now), userID)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// --- Weekly usage ---

func (r *Repository) GetWeeklyUsage(ctx context.Context, userID string) (*WeeklyUsageCounter, error) {
	var (
		c     WeeklyUsageCounter
		start int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT user_id, action_count, window_start FROM weekly_usage_counters WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Count, &start)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.WindowStart = fromUnix(start)
	return &c, nil
}

// IncrementWeeklyUsage counts one free action if the window allows it. An
// elapsed window is reset and counted in the same UPDATE, so two requests on
// either side of the boundary cannot both see the old count. The returned
// window start is only consistent with the increment when called inside WithTx.
func (r *Repository) IncrementWeeklyUsage(ctx context.Context, userID string, w Window, now time.Time) (bool, time.Time, error) {
	if _, err := r.q.ExecContext(ctx,
		r.dialect.insertOrKeep(`weekly_usage_counters (user_id, action_count, window_start) VALUES (?, 0, ?)`, "user_id"),
		userID, unix(now)); err != nil {
		return false, time.Time{}, err
	}
	cutoff := w.cutoff(now)
	// action_count is assigned first: MySQL evaluates SET left to right.
	res, err := r.q.ExecContext(ctx,
		`UPDATE weekly_usage_counters
		 SET action_count = CASE WHEN window_start <= ? THEN 1 ELSE action_count + 1 END,
		     window_start = CASE WHEN window_start <= ? THEN ? ELSE window_start END
		 WHERE user_id = ? AND (window_start <= ? OR action_count < ?)`,
		cutoff, cutoff, unix(now), userID, cutoff, w.Limit)
	ok, err := affected(res, err)
	if err != nil || !ok {
		return false, time.Time{}, err
	}
	var start int64
	if err := r.q.QueryRowContext(ctx,
		`SELECT window_start FROM weekly_usage_counters WHERE user_id = ?`, userID).Scan(&start); err != nil {
		return false, time.Time{}, err
	}
	return true, fromUnix(start), nil
}

// DecrementWeeklyUsage gives back one action, but only to the window it was
// taken from.
func (r *Repository) DecrementWeeklyUsage(ctx context.Context, userID string, windowStart time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE weekly_usage_counters SET action_count = action_count - 1
		 WHERE user_id = ? AND window_start = ? AND action_count > 0`,
		userID, unix(windowStart))
	return affected(res, err)
}

func (r *Repository) ResetWeeklyUsage(ctx context.Context, userID string, w Window, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE weekly_usage_counters SET action_count = 0, window_start = ? WHERE user_id = ? AND window_start <= ?`,
		unix(now), userID, w.cutoff(now))
	return affected(res, err)
}

// --- Processed events ---

// InsertProcessedEvent records e unless its id was already seen; the bool
// reports whether this call inserted it.
func (r *Repository) InsertProcessedEvent(ctx context.Context, e *ProcessedEvent) (bool, error) {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}
	res, err := r.q.ExecContext(ctx,
		r.dialect.insertIgnore+` INTO processed_events (event_id, event_type, outcome, processed_at) VALUES (?, ?, ?, ?)`,
		e.EventID, e.EventType, e.Outcome, unix(e.ProcessedAt))
	return affected(res, err)
}

func (r *Repository) SetEventOutcome(ctx context.Context, eventID, outcome string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE processed_events SET outcome = ? WHERE event_id = ?`, outcome, eventID)
	return err
}

// --- Daily check-ins ---

const checkInColumns = `id, user_id, check_in_day, mood, message, motivation, audio_url, created_at`

func (r *Repository) InsertCheckIn(ctx context.Context, c *DailyCheckIn) (bool, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Day == "" {
		c.Day = DayKey(c.CreatedAt)
	}
	res, err := r.q.ExecContext(ctx,
		r.dialect.insertIgnore+` INTO daily_check_ins (`+checkInColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.Day, c.Mood, c.Message, c.Motivation, nullString(c.AudioURL), unix(c.CreatedAt))
	return affected(res, err)
}

func (r *Repository) GetCheckIn(ctx context.Context, userID, day string) (*DailyCheckIn, error) {
	var (
		c       DailyCheckIn
		audio   sql.NullString
		created int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT `+checkInColumns+` FROM daily_check_ins WHERE user_id = ? AND check_in_day = ?`, userID, day).
		Scan(&c.ID, &c.UserID, &c.Day, &c.Mood, &c.Message, &c.Motivation, &audio, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.AudioURL = audio.String
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

// CheckInDays returns the user's most recent check-in days, newest first.
func (r *Repository) CheckInDays(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT check_in_day FROM daily_check_ins WHERE user_id = ? ORDER BY check_in_day DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	days := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

func (r *Repository) SetCheckInAudio(ctx context.Context, checkInID, audioURL string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE daily_check_ins SET audio_url = ? WHERE id = ?`, audioURL, checkInID)
	return err
}

// --- Reservations ---

const reservationColumns = `id, user_id, kind, state, window_start, ref, job_id, media_url, created_at, updated_at`

func (r *Repository) CreateReservation(ctx context.Context, res *Reservation) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = res.CreatedAt
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		res.ID, res.UserID, res.Kind, res.State, nullUnix(res.WindowStart), nullString(res.Ref),
		nullString(res.JobID), nullString(res.MediaURL), unix(res.CreatedAt), unix(res.UpdatedAt))
	return err
}

func (r *Repository) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	res, err := scanReservation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return res, err
}

func (r *Repository) CommitReservation(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.transition(ctx, id, StateCommitted, now)
}

func (r *Repository) RefundReservation(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.transition(ctx, id, StateRefunded, now)
}

// transition moves a reservation out of StateReserved. Only one caller can win.
func (r *Repository) transition(ctx context.Context, id string, to ReservationState, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE reservations SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, unix(now), id, StateReserved)
	return affected(res, err)
}

func (r *Repository) AttachJob(ctx context.Context, id, jobID string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE reservations SET job_id = ?, updated_at = ? WHERE id = ?`, jobID, unix(now), id)
	return err
}

func (r *Repository) SetReservationMedia(ctx context.Context, id, mediaURL string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE reservations SET media_url = ?, updated_at = ? WHERE id = ?`, mediaURL, unix(now), id)
	return err
}

// ListStaleReservations returns reservations still open that were created before the cutoff.
func (r *Repository) ListStaleReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE state = ? AND created_at < ? ORDER BY created_at LIMIT ?`,
		StateReserved, unix(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func scanReservation(scan func(dest ...any) error) (*Reservation, error) {
	var (
		res                  Reservation
		window               sql.NullInt64
		ref, jobID, media    sql.NullString
		createdAt, updatedAt int64
	)
	if err := scan(&res.ID, &res.UserID, &res.Kind, &res.State, &window, &ref, &jobID, &media, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	res.WindowStart = fromNullUnix(window)
	res.Ref = ref.String
	res.JobID = jobID.String
	res.MediaURL = media.String
	res.CreatedAt = fromUnix(createdAt)
	res.UpdatedAt = fromUnix(updatedAt)
	return &res, nil
}

// --- Purchases ---

// FulfillPurchase unlocks an item once; false means it was already fulfilled.
func (r *Repository) FulfillPurchase(ctx context.Context, p *Purchase) (bool, error) {
	if p.FulfilledAt.IsZero() {
		p.FulfilledAt = time.Now()
	}
	res, err := r.q.ExecContext(ctx,
		r.dialect.insertIgnore+` INTO purchases (item_id, user_id, external_ref, fulfilled_at) VALUES (?, ?, ?, ?)`,
		p.ItemID, p.UserID, p.ExternalRef, unix(p.FulfilledAt))
	return affected(res, err)
}

// --- Preferences ---

func (r *Repository) GetPreferences(ctx context.Context, userID string) (*UserPreferences, error) {
	var (
		p       UserPreferences
		updated int64
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT user_id, daily_quotes_enabled, audio_nudges_enabled, quote_schedule_hour, updated_at
		 FROM user_preferences WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DailyQuotesEnabled, &p.AudioNudgesEnabled, &p.QuoteScheduleHour, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.UpdatedAt = fromUnix(updated)
	return &p, nil
}

// UpsertPreferences stores the full preference row for p.UserID.
func (r *Repository) UpsertPreferences(ctx context.Context, p *UserPreferences) error {
	if p.QuoteScheduleHour < 0 || p.QuoteScheduleHour > 23 {
		return ErrInvalidHour
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	d := r.dialect
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO user_preferences (user_id, daily_quotes_enabled, audio_nudges_enabled, quote_schedule_hour, updated_at)
		 VALUES (?, ?, ?, ?, ?) `+d.onConflict("user_id")+` `+
			`daily_quotes_enabled = `+d.excluded("daily_quotes_enabled")+
			`, audio_nudges_enabled = `+d.excluded("audio_nudges_enabled")+
			`, quote_schedule_hour = `+d.excluded("quote_schedule_hour")+
			`, updated_at = `+d.excluded("updated_at"),
		p.UserID, p.DailyQuotesEnabled, p.AudioNudgesEnabled, p.QuoteScheduleHour, unix(p.UpdatedAt))
	return err
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(s int64) time.Time { return time.Unix(s, 0).UTC() }

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
