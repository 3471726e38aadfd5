package stats

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"nudge-backend/logging"
	"nudge-backend/subscriptions"
)

// Snapshot is the admin view of the ledger.
type Snapshot struct {
	Subscriptions SubscriptionStats `json:"subscriptions"`
	Reservations  map[string]int    `json:"reservations"`
	Events        map[string]int    `json:"events"`
	CheckIns      CheckInStats      `json:"check_ins"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

type SubscriptionStats struct {
	Total              int            `json:"total"`
	ByTier             map[string]int `json:"by_tier"`
	ByStatus           map[string]int `json:"by_status"`
	CreditsOutstanding int            `json:"credits_outstanding"`
}

type CheckInStats struct {
	Today     int `json:"today"`
	LastWeek  int `json:"last_7_days"`
	WithAudio int `json:"with_audio"`
}

type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, log: logging.Component("stats")}
}

// Snapshot aggregates ledger tables as of now. Day boundaries are UTC.
func (s *Service) Snapshot(ctx context.Context, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		Subscriptions: SubscriptionStats{ByTier: map[string]int{}, ByStatus: map[string]int{}},
		GeneratedAt:   now.UTC(),
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(credits_remaining), 0) FROM subscriptions`,
	).Scan(&snap.Subscriptions.Total, &snap.Subscriptions.CreditsOutstanding); err != nil {
		return nil, fmt.Errorf("stats: subscriptions: %w", err)
	}

	var err error
	if snap.Subscriptions.ByTier, err = s.countBy(ctx, `SELECT tier, COUNT(*) FROM subscriptions GROUP BY tier`); err != nil {
		return nil, err
	}
	if snap.Subscriptions.ByStatus, err = s.countBy(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`); err != nil {
		return nil, err
	}
	if snap.Reservations, err = s.countBy(ctx, `SELECT state, COUNT(*) FROM reservations GROUP BY state`); err != nil {
		return nil, err
	}
	if snap.Events, err = s.countBy(ctx, `SELECT event_type, COUNT(*) FROM processed_events GROUP BY event_type`); err != nil {
		return nil, err
	}

	today := subscriptions.DayKey(now)
	weekAgo := subscriptions.DayKey(now.AddDate(0, 0, -6))
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN check_in_day = ? THEN 1 ELSE 0 END), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN audio_url IS NOT NULL AND audio_url <> '' THEN 1 ELSE 0 END), 0)
		FROM daily_check_ins
		WHERE check_in_day >= ?`, today, weekAgo,
	).Scan(&snap.CheckIns.Today, &snap.CheckIns.LastWeek, &snap.CheckIns.WithAudio); err != nil {
		return nil, fmt.Errorf("stats: check-ins: %w", err)
	}

	s.log.Debug().
		Int("subscriptions", snap.Subscriptions.Total).
		Int("credits_outstanding", snap.Subscriptions.CreditsOutstanding).
		Msg("snapshot")
	return snap, nil
}

func (s *Service) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

type Handler struct {
	svc   *Service
	token string
}

// NewHandler serves the admin snapshot. An empty token disables the route.
func NewHandler(svc *Service, token string) *Handler {
	return &Handler{svc: svc, token: token}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/admin/stats", h.requireAdmin, h.getStats)
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if h.token == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin stats disabled"})
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if got == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required"})
		return
	}
	c.Next()
}

func (h *Handler) getStats(c *gin.Context) {
	snap, err := h.svc.Snapshot(c.Request.Context(), time.Now())
	if err != nil {
		h.svc.log.Error().Err(err).Msg("snapshot failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap})
}
