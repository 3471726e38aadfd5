package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nudge-backend/jobs"
	"nudge-backend/logging"
	"nudge-backend/quota"
	"nudge-backend/subscriptions"
)

var (
	ErrAlreadyCheckedIn = errors.New("checkin: already checked in today")
	ErrMissingField     = errors.New("checkin: missing required field")
)

// streakLookback bounds how many past days are read to compute a streak.
const streakLookback = 366

type Request struct {
	UserID      string
	Mood        string
	Message     string
	PreferAudio bool
}

type Result struct {
	CheckIn    *subscriptions.DailyCheckIn
	Motivation string
	Streak     int

	ReservationID string
	JobID         string
	// AudioDenied is set when the user asked for audio but has no credit or
	// free action left; the check-in still succeeds with text only.
	AudioDenied bool
	AudioReason quota.Reason
	// AudioError is set when audio was reserved but could not be started.
	AudioError string
	// AudioDisabled is set when a free user asked for audio without having
	// opted in to audio nudges. Nothing is spent.
	AudioDisabled bool
}

type NudgeResult struct {
	Denied        bool
	Reason        quota.Reason
	ReservationID string
	JobID         string
}

type Service struct {
	store    subscriptions.Store
	reserver *quota.Reserver
	enq      *jobs.Enqueuer
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(store subscriptions.Store, reserver *quota.Reserver, enq *jobs.Enqueuer) *Service {
	return &Service{
		store:    store,
		reserver: reserver,
		enq:      enq,
		now:      time.Now,
		log:      logging.Component("checkin"),
	}
}

// CheckIn records today's check-in and, if asked, starts a voiced nudge.
// At most one check-in per user per UTC day is stored.
func (s *Service) CheckIn(ctx context.Context, req Request) (*Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || strings.TrimSpace(req.Mood) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: user_id, mood and message are required", ErrMissingField)
	}
	now := s.now()
	mood := ParseMood(req.Mood)
	c := &subscriptions.DailyCheckIn{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Day:        subscriptions.DayKey(now),
		Mood:       string(mood),
		Message:    req.Message,
		Motivation: Motivation(mood),
		CreatedAt:  now,
	}
	inserted, err := s.store.InsertCheckIn(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("save check-in: %w", err)
	}
	if !inserted {
		s.log.Info().Str("user_id", req.UserID).Msg("duplicate check-in rejected")
		return nil, ErrAlreadyCheckedIn
	}

	streak, err := s.Streak(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	out := &Result{CheckIn: c, Motivation: c.Motivation, Streak: max(streak, 1)}
	if !req.PreferAudio {
		return out, nil
	}
	allowed, err := s.audioAllowed(ctx, req.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("load audio eligibility")
		out.AudioError = "audio_unavailable"
		return out, nil
	}
	if !allowed {
		out.AudioDisabled = true
		return out, nil
	}

	res, err := s.reserver.Reserve(ctx, req.UserID, quota.Options{Ref: c.ID})
	if err != nil {
		// The check-in is saved; only the audio part is lost.
		s.log.Error().Err(err).Str("user_id", req.UserID).Msg("reserve audio for check-in")
		out.AudioError = "audio_unavailable"
		return out, nil
	}
	if res.Denied() {
		out.AudioDenied = true
		out.AudioReason = res.Reason
		return out, nil
	}
	out.ReservationID = res.Reservation.ID
	jobID, err := s.enq.Submit(ctx, res.Reservation, jobs.DailyNudge{
		CheckInID:  c.ID,
		Mood:       c.Mood,
		Motivation: c.Motivation,
		DayNumber:  out.Streak,
	})
	if err != nil {
		out.AudioError = "audio_unavailable"
		return out, nil
	}
	out.JobID = jobID
	return out, nil
}

// Nudge spends one gated action on a voiced story.
func (s *Service) Nudge(ctx context.Context, userID, story string) (*NudgeResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(story) == "" {
		return nil, fmt.Errorf("%w: user_id and story are required", ErrMissingField)
	}
	streak, err := s.Streak(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := s.reserver.Reserve(ctx, userID, quota.Options{})
	if err != nil {
		return nil, err
	}
	if res.Denied() {
		return &NudgeResult{Denied: true, Reason: res.Reason}, nil
	}
	jobID, err := s.enq.Submit(ctx, res.Reservation, jobs.AudioNudge{Story: story, DayNumber: max(streak, 1)})
	if err != nil {
		return nil, err
	}
	return &NudgeResult{ReservationID: res.Reservation.ID, JobID: jobID}, nil
}

func (s *Service) Today(ctx context.Context, userID string) (*subscriptions.DailyCheckIn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrMissingField)
	}
	return s.store.GetCheckIn(ctx, userID, subscriptions.DayKey(s.now()))
}

// Streak counts consecutive check-in days ending today, or ending yesterday
// when the user has not checked in yet today.
func (s *Service) Streak(ctx context.Context, userID string) (int, error) {
	days, err := s.store.CheckInDays(ctx, userID, streakLookback)
	if err != nil {
		return 0, fmt.Errorf("load check-in days: %w", err)
	}
	return streak(days, s.now()), nil
}

// streak expects days newest first.
func streak(days []string, now time.Time) int {
	if len(days) == 0 {
		return 0
	}
	day := now.UTC()
	if days[0] != subscriptions.DayKey(day) {
		day = day.AddDate(0, 0, -1)
	}
	n := 0
	for _, d := range days {
		if d != subscriptions.DayKey(day) {
			break
		}
		n++
		day = day.AddDate(0, 0, -1)
	}
	return n
}
