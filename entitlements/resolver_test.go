package entitlements

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudge-backend/internal/dbtest"
	"nudge-backend/subscriptions"
)

var t0 = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func newResolver(t *testing.T) (*Resolver, *subscriptions.Repository, *time.Time) {
	t.Helper()
	store := dbtest.Store(t)
	r := NewResolver(store, subscriptions.DefaultWindow)
	now := t0
	r.now = func() time.Time { return now }
	return r, store, &now
}

func TestResolveWithoutSubscriptionIsFree(t *testing.T) {
	r, _, _ := newResolver(t)
	ent, err := r.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, subscriptions.TierFree, ent.Tier)
	assert.Equal(t, 0, ent.CreditsRemaining)
	assert.False(t, ent.WeeklyLimitReached)
	assert.True(t, ent.CanPerformGatedAction())
}

func TestResolveMissingUser(t *testing.T) {
	r, _, _ := newResolver(t)
	_, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingUser)
	_, err = r.Reconcile(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestResolveProjectsResetWithoutWriting(t *testing.T) {
	ctx := context.Background()
	r, store, now := newResolver(t)
	_, _, err := store.IncrementWeeklyUsage(ctx, "u1", subscriptions.DefaultWindow, t0)
	require.NoError(t, err)

	ent, err := r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, ent.FreeCountThisWindow)
	assert.True(t, ent.WeeklyLimitReached)
	assert.False(t, ent.CanPerformGatedAction())

	*now = t0.Add(7 * 24 * time.Hour)
	ent, err = r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, ent.FreeCountThisWindow)
	assert.False(t, ent.WeeklyLimitReached)

	usage, err := store.GetWeeklyUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Count, "pure read leaves the stored counter alone")

	_, err = r.Reconcile(ctx, "u1")
	require.NoError(t, err)
	usage, err = store.GetWeeklyUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
	assert.True(t, now.Equal(usage.WindowStart))
}

func TestResolvePaidTierUsesCredits(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newResolver(t)
	require.NoError(t, store.UpsertSubscription(ctx, &subscriptions.Subscription{
		UserID: "u1", Tier: subscriptions.TierUnlimited, Status: subscriptions.StatusCanceled,
		CreditsRemaining: 4, CreatedAt: t0, UpdatedAt: t0,
	}))

	ent, err := r.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscriptions.TierUnlimited, ent.Tier)
	assert.Equal(t, 4, ent.CreditsRemaining)
	assert.True(t, ent.CanPerformGatedAction(), "canceled subscriptions keep spendable credits")
}

func TestGetCreditsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	r, store, _ := newResolver(t)
	require.NoError(t, store.AddCredits(ctx, "u1", 3, subscriptions.TierOneTime, t0))

	router := gin.New()
	NewHandler(r).RegisterRoutes(router)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/credits", nil)
	req.Header.Set("X-User-ID", "u1")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["credits_remaining"])
	assert.Equal(t, "one-time", body["tier"])
	assert.Equal(t, true, body["can_perform_gated_action"])
	assert.Equal(t, float64(1), body["max_free_actions_per_week"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/credits", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCreditsReconcile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	r, store, now := newResolver(t)
	ok, _, err := store.IncrementWeeklyUsage(ctx, "u1", subscriptions.DefaultWindow, t0)
	require.NoError(t, err)
	require.True(t, ok)

	router := gin.New()
	NewHandler(r).RegisterRoutes(router)
	*now = t0.Add(8 * 24 * time.Hour)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/credits?user_id=u1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	usage, err := store.GetWeeklyUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Count)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/credits?user_id=u1&reconcile=true", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["weekly_usage_count"])
	usage, err = store.GetWeeklyUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
}
