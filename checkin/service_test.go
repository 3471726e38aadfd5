package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge-backend/internal/dbtest"
	"nudge-backend/jobs"
	"nudge-backend/quota"
	"nudge-backend/subscriptions"
)

type fakeGenerator struct {
	mu   sync.Mutex
	err  error
	jobs []jobs.Job
}

func (g *fakeGenerator) Submit(_ context.Context, job jobs.Job) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.jobs = append(g.jobs, job)
	return "job-" + job.CorrelationID, nil
}

type fixture struct {
	store  *subscriptions.Repository
	gen    *fakeGenerator
	svc    *Service
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := dbtest.Store(t)
	reserver := quota.NewReserver(store, subscriptions.DefaultWindow, nil)
	gen := &fakeGenerator{}
	svc := NewService(store, reserver, jobs.NewEnqueuer(reserver, store, gen, nil))
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router)
	return &fixture{store: store, gen: gen, svc: svc, router: router}
}

func (f *fixture) optIn(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.store.UpsertPreferences(context.Background(), &subscriptions.UserPreferences{
		UserID: userID, AudioNudgesEnabled: true, QuoteScheduleHour: subscriptions.DefaultQuoteHour,
	}))
}

func (f *fixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return f.send(t, http.MethodPost, path, body)
}

func (f *fixture) send(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestCheckInOncePerDay(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"user_id": "u1", "mood": "angry", "message": "rough day"}

	code, out := f.post(t, "/checkins", body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, Motivation(MoodAngry), out["motivation"])
	assert.Equal(t, float64(1), out["streak"])
	assert.Equal(t, false, out["audio_limit_reached"])

	code, out = f.post(t, "/checkins", body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_checked_in", out["error"])

	days, err := f.store.CheckInDays(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, days, 1)
}

func TestCheckInValidation(t *testing.T) {
	f := newFixture(t)
	code, _ := f.post(t, "/checkins", map[string]any{"user_id": "u1", "mood": "angry"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCheckInWithAudioFreeTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.optIn(t, "u1")
	f.svc.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }

	out, err := f.svc.CheckIn(ctx, Request{UserID: "u1", Mood: "hurting", Message: "m", PreferAudio: true})
	require.NoError(t, err)
	assert.False(t, out.AudioDenied)
	require.NotEmpty(t, out.JobID)
	require.Len(t, f.gen.jobs, 1)
	payload, ok := f.gen.jobs[0].Payload.(jobs.DailyNudge)
	require.True(t, ok)
	assert.Equal(t, out.CheckIn.ID, payload.CheckInID)

	f.svc.now = time.Now
	out, err = f.svc.CheckIn(ctx, Request{UserID: "u1", Mood: "confidence", Message: "m", PreferAudio: true})
	require.NoError(t, err)
	assert.True(t, out.AudioDenied, "second free audio in the same week degrades to text")
	assert.Equal(t, quota.ReasonWeeklyLimit, out.AudioReason)
	assert.Equal(t, 2, out.Streak)
	assert.NotEmpty(t, out.Motivation)
}

func TestCheckInAudioSubmitFailureRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.optIn(t, "u1")
	f.gen.err = errors.New("provider down")

	out, err := f.svc.CheckIn(ctx, Request{UserID: "u1", Mood: "angry", Message: "m", PreferAudio: true})
	require.NoError(t, err)
	assert.Equal(t, "audio_unavailable", out.AudioError)

	usage, err := f.store.GetWeeklyUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count, "the free action was given back")
}

func TestCheckInAudioNeedsOptInOrPaidTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	code, out := f.post(t, "/checkins", map[string]any{"user_id": "free", "mood": "angry", "message": "m", "prefer_audio": true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["audio_disabled"])
	assert.Nil(t, out["reservation_id"])
	assert.Empty(t, f.gen.jobs)
	_, err := f.store.GetWeeklyUsage(ctx, "free")
	assert.ErrorIs(t, err, subscriptions.ErrNotFound, "no free action was spent")

	now := time.Now()
	require.NoError(t, f.store.UpsertSubscription(ctx, &subscriptions.Subscription{
		UserID: "pro", Tier: subscriptions.TierUnlimited, Status: subscriptions.StatusActive,
		CreditsRemaining: 2, CreatedAt: now, UpdatedAt: now,
	}))
	res, err := f.svc.CheckIn(ctx, Request{UserID: "pro", Mood: "angry", Message: "m", PreferAudio: true})
	require.NoError(t, err)
	assert.False(t, res.AudioDisabled)
	assert.NotEmpty(t, res.JobID, "paid users get audio without opting in")
	sub, err := f.store.GetSubscription(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CreditsRemaining)
}

func TestPreferencesEndpoints(t *testing.T) {
	f := newFixture(t)

	code, out := f.send(t, http.MethodGet, "/preferences?user_id=u1", nil)
	require.Equal(t, http.StatusOK, code)
	prefs := out["preferences"].(map[string]any)
	assert.Equal(t, false, prefs["audio_nudges_enabled"])
	assert.Equal(t, false, prefs["daily_quotes_enabled"])
	assert.Equal(t, float64(subscriptions.DefaultQuoteHour), prefs["quote_schedule_hour"])

	code, _ = f.send(t, http.MethodPut, "/preferences", map[string]any{"user_id": "u1", "audio_nudges_enabled": true})
	require.Equal(t, http.StatusOK, code)
	code, out = f.send(t, http.MethodPut, "/preferences", map[string]any{"user_id": "u1", "quote_schedule_hour": 7})
	require.Equal(t, http.StatusOK, code)
	prefs = out["preferences"].(map[string]any)
	assert.Equal(t, true, prefs["audio_nudges_enabled"], "omitted fields keep their value")
	assert.Equal(t, float64(7), prefs["quote_schedule_hour"])

	code, _ = f.send(t, http.MethodPut, "/preferences", map[string]any{"user_id": "u1", "quote_schedule_hour": 25})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.send(t, http.MethodPut, "/preferences", map[string]any{"audio_nudges_enabled": true})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = f.post(t, "/checkins", map[string]any{"user_id": "u1", "mood": "angry", "message": "m", "prefer_audio": true})
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, out["audio_disabled"])
	assert.NotEmpty(t, out["job_id"], "opted-in free user spends the weekly action")
}

func TestAccountSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	code, out := f.send(t, http.MethodGet, "/account/summary?user_id=u1", nil)
	require.Equal(t, http.StatusOK, code)
	data := out["data"].(map[string]any)
	sub := data["subscription"].(map[string]any)
	assert.Equal(t, false, sub["is_pro"])
	assert.Equal(t, "free", sub["tier"])
	assert.Equal(t, float64(0), data["streak"])

	now := time.Now()
	require.NoError(t, f.store.UpsertSubscription(ctx, &subscriptions.Subscription{
		UserID: "u1", Tier: subscriptions.TierOneTime, Status: subscriptions.StatusActive,
		CreditsRemaining: 4, ExternalRef: "sub_1", CreatedAt: now, UpdatedAt: now,
	}))
	_, err := f.svc.CheckIn(ctx, Request{UserID: "u1", Mood: "angry", Message: "m"})
	require.NoError(t, err)

	code, out = f.send(t, http.MethodGet, "/account/summary?user_id=u1", nil)
	require.Equal(t, http.StatusOK, code)
	data = out["data"].(map[string]any)
	sub = data["subscription"].(map[string]any)
	assert.Equal(t, true, sub["is_pro"])
	assert.Equal(t, "one-time", sub["tier"])
	assert.Equal(t, float64(4), sub["credits_remaining"])
	assert.Equal(t, float64(1), data["streak"])

	code, _ = f.send(t, http.MethodGet, "/account/summary", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNudgeEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.store.UpsertSubscription(ctx, &subscriptions.Subscription{
		UserID: "u1", Tier: subscriptions.TierUnlimited, Status: subscriptions.StatusActive,
		CreditsRemaining: 1, CreatedAt: now, UpdatedAt: now,
	}))

	code, out := f.post(t, "/nudges", map[string]any{"user_id": "u1", "story": "remember why you started"})
	require.Equal(t, http.StatusAccepted, code)
	assert.NotEmpty(t, out["job_id"])

	code, out = f.post(t, "/nudges", map[string]any{"user_id": "u1", "story": "again"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "no_credits", out["reason"])

	f.gen.err = jobs.ErrQueueFull
	require.NoError(t, f.store.AddCredits(ctx, "u1", 1, subscriptions.TierOneTime, now))
	code, _ = f.post(t, "/nudges", map[string]any{"user_id": "u1", "story": "third"})
	assert.Equal(t, http.StatusBadGateway, code)
	sub, err := f.store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.CreditsRemaining)
}

func TestTodayEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/checkins/today?user_id=u1", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checked_in":false`)

	_, err := f.svc.CheckIn(context.Background(), Request{UserID: "u1", Mood: "angry", Message: "m"})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/checkins/today?user_id=u1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checked_in":true`)
	assert.Contains(t, w.Body.String(), `"streak":1`)
}

func TestStreak(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, streak(nil, now))
	assert.Equal(t, 3, streak([]string{"2024-05-10", "2024-05-09", "2024-05-08", "2024-05-06"}, now))
	assert.Equal(t, 2, streak([]string{"2024-05-09", "2024-05-08"}, now), "streak survives until today ends")
	assert.Equal(t, 0, streak([]string{"2024-05-07"}, now))
}

func TestParseMood(t *testing.T) {
	assert.Equal(t, MoodHurting, ParseMood(" Hurting "))
	assert.Equal(t, MoodUnstoppable, ParseMood("sleepy"))
	assert.NotEmpty(t, Motivation("whatever"))
}
