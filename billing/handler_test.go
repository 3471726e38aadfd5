package billing

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"nudge-backend/config"
	"nudge-backend/internal/dbtest"
	"nudge-backend/logging"
	"nudge-backend/subscriptions"
)

const testSecret = "whsec_test_123"

type fixture struct {
	db     *sql.DB
	store  *subscriptions.Repository
	router *gin.Engine
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := dbtest.Open(t)
	store := subscriptions.NewRepository(db, subscriptions.SQLite)
	prices, err := NewPriceTable([]config.PriceRule{
		{ID: "price_unl", Kind: "subscription", Tier: "unlimited"},
		{ID: "price_once", Kind: "subscription", Tier: "one-time"},
		{ID: "price_pack", Kind: "credits", Credits: 10},
		{ID: "price_song", Kind: "purchase"},
	})
	require.NoError(t, err)
	router := gin.New()
	NewHandler(NewProcessor(store, prices, DefaultPolicy, secret, nil)).RegisterRoutes(router)
	return &fixture{db: db, store: store, router: router}
}

func event(t *testing.T, id, typ string, object any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

func subscriptionObject(id, userID, priceID, status string) map[string]any {
	return map[string]any{
		"id":                 id,
		"object":             "subscription",
		"status":             status,
		"metadata":           map[string]string{"user_id": userID},
		"current_period_end": time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"items": map[string]any{
			"object": "list",
			"data":   []any{map[string]any{"id": "si_1", "price": map[string]any{"id": priceID}}},
		},
	}
}

func renewalInvoice(subID, priceID string) map[string]any {
	return map[string]any{
		"id":             "in_" + subID,
		"object":         "invoice",
		"billing_reason": "subscription_cycle",
		"subscription":   subID,
		"lines": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":     "il_1",
				"price":  map[string]any{"id": priceID},
				"period": map[string]any{"start": 1719792000, "end": 1722470400},
			}},
		},
	}
}

func (f *fixture) post(t *testing.T, payload []byte, secret string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func (f *fixture) subscription(t *testing.T, userID string) *subscriptions.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscription(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) outcome(t *testing.T, eventID string) string {
	t.Helper()
	var outcome string
	require.NoError(t, f.db.QueryRow(`SELECT outcome FROM processed_events WHERE event_id = ?`, eventID).Scan(&outcome))
	return outcome
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t, testSecret)

	code, body := f.post(t, event(t, "evt_created", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])

	sub := f.subscription(t, "u1")
	assert.Equal(t, subscriptions.TierUnlimited, sub.Tier)
	assert.Equal(t, subscriptions.StatusActive, sub.Status)
	assert.Equal(t, 20, sub.CreditsRemaining)
	assert.Equal(t, "sub_1", sub.ExternalRef)
	require.NotNil(t, sub.RenewsAt)

	// Spend down to 3 before the renewal arrives.
	for i := 0; i < 17; i++ {
		ok, err := f.store.DecrementCredit(context.Background(), "u1", time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}

	code, _ = f.post(t, event(t, "evt_renew", "invoice.paid", renewalInvoice("sub_1", "price_unl")), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 20, f.subscription(t, "u1").CreditsRemaining, "renewal resets to the tier cap")
	assert.Equal(t, "renewed:reset:20", f.outcome(t, "evt_renew"))

	_, err := f.store.DecrementCredit(context.Background(), "u1", time.Now())
	require.NoError(t, err)

	code, _ = f.post(t, event(t, "evt_cancel", "customer.subscription.deleted",
		subscriptionObject("sub_1", "u1", "price_unl", "canceled")), testSecret)
	require.Equal(t, http.StatusOK, code)
	sub = f.subscription(t, "u1")
	assert.Equal(t, subscriptions.StatusCanceled, sub.Status)
	assert.Equal(t, 19, sub.CreditsRemaining, "cancellation leaves credits alone")
}

func TestReplayAppliesOnce(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := event(t, "evt_pack", "checkout.session.completed", map[string]any{
		"id":       "cs_1",
		"object":   "checkout.session",
		"metadata": map[string]string{"user_id": "u1", "price_id": "price_pack"},
	})

	code, body := f.post(t, payload, testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])

	for i := 0; i < 3; i++ {
		code, body = f.post(t, payload, testSecret)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "duplicate", body["status"])
	}

	sub := f.subscription(t, "u1")
	assert.Equal(t, 10, sub.CreditsRemaining)
	assert.Equal(t, subscriptions.TierOneTime, sub.Tier)
	assert.Equal(t, "credits_added:10", f.outcome(t, "evt_pack"))
}

func TestRenewalReplayDoesNotRefillTwice(t *testing.T) {
	f := newFixture(t, testSecret)
	code, _ := f.post(t, event(t, "evt_c", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)

	renew := event(t, "evt_r", "invoice.paid", renewalInvoice("sub_1", "price_unl"))
	code, _ = f.post(t, renew, testSecret)
	require.Equal(t, http.StatusOK, code)

	ok, err := f.store.DecrementCredit(context.Background(), "u1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	code, body := f.post(t, renew, testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "duplicate", body["status"])
	assert.Equal(t, 19, f.subscription(t, "u1").CreditsRemaining)
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := newFixture(t, testSecret)
	payload := event(t, "evt_1", "customer.subscription.created", subscriptionObject("sub_1", "u1", "price_unl", "active"))

	code, _ := f.post(t, payload, "whsec_wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := f.store.GetSubscription(context.Background(), "u1")
	assert.ErrorIs(t, err, subscriptions.ErrNotFound)
}

func TestProcessorLogsUnderComponent(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	var buf bytes.Buffer
	logging.InitWriter(logging.Config{Level: "info", Format: "json"}, &buf)

	f := newFixture(t, testSecret)
	code, _ := f.post(t, event(t, "evt_1", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), "whsec_wrong")
	require.Equal(t, http.StatusUnauthorized, code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "billing", entry["component"])
	assert.Equal(t, "webhook signature rejected", entry["message"])
}

func TestMalformedAndInvalidEvents(t *testing.T) {
	f := newFixture(t, testSecret)

	code, _ := f.post(t, []byte(`{not json`), testSecret)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.post(t, []byte(`{"type":"invoice.paid","data":{"object":{}}}`), testSecret)
	assert.Equal(t, http.StatusBadRequest, code, "missing event id")

	code, body := f.post(t, event(t, "evt_nouser", "customer.subscription.created",
		subscriptionObject("sub_1", "", "price_unl", "active")), testSecret)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "metadata.user_id", body["field"])

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM processed_events`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestOutOfOrderRenewalIsRetried(t *testing.T) {
	f := newFixture(t, testSecret)
	renew := event(t, "evt_r", "invoice.paid", renewalInvoice("sub_1", "price_unl"))

	code, _ := f.post(t, renew, testSecret)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.post(t, event(t, "evt_c", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)

	code, body := f.post(t, renew, testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"], "the rejected delivery was not recorded")
}

func TestSubscriptionUpdatedChangesTierWithoutRefill(t *testing.T) {
	f := newFixture(t, testSecret)
	code, _ := f.post(t, event(t, "evt_c", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)

	code, _ = f.post(t, event(t, "evt_u", "customer.subscription.updated",
		subscriptionObject("sub_1", "u1", "price_once", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)

	sub := f.subscription(t, "u1")
	assert.Equal(t, subscriptions.TierOneTime, sub.Tier)
	assert.Equal(t, 20, sub.CreditsRemaining)
}

func TestCanceledSubscriptionStaysCanceled(t *testing.T) {
	f := newFixture(t, testSecret)
	code, _ := f.post(t, event(t, "evt_c", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)
	for i := 0; i < 15; i++ {
		_, err := f.store.DecrementCredit(context.Background(), "u1", time.Now())
		require.NoError(t, err)
	}
	code, _ = f.post(t, event(t, "evt_d", "customer.subscription.deleted",
		subscriptionObject("sub_1", "u1", "price_unl", "canceled")), testSecret)
	require.Equal(t, http.StatusOK, code)

	code, body := f.post(t, event(t, "evt_late_renew", "invoice.paid", renewalInvoice("sub_1", "price_unl")), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "ignored_canceled", f.outcome(t, "evt_late_renew"))

	code, _ = f.post(t, event(t, "evt_stale_update", "customer.subscription.updated",
		subscriptionObject("sub_1", "u1", "price_once", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored_canceled", f.outcome(t, "evt_stale_update"))

	code, _ = f.post(t, event(t, "evt_late_create", "customer.subscription.created",
		subscriptionObject("sub_1", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored_canceled", f.outcome(t, "evt_late_create"))

	sub := f.subscription(t, "u1")
	assert.Equal(t, subscriptions.StatusCanceled, sub.Status)
	assert.Equal(t, subscriptions.TierUnlimited, sub.Tier)
	assert.Equal(t, 5, sub.CreditsRemaining, "no refill after cancellation")

	// A new subscription for the same user is not blocked.
	code, _ = f.post(t, event(t, "evt_resub", "customer.subscription.created",
		subscriptionObject("sub_2", "u1", "price_unl", "active")), testSecret)
	require.Equal(t, http.StatusOK, code)
	sub = f.subscription(t, "u1")
	assert.Equal(t, subscriptions.StatusActive, sub.Status)
	assert.Equal(t, "sub_2", sub.ExternalRef)
}

func TestCheckoutPurchaseAndUnmappedPrice(t *testing.T) {
	f := newFixture(t, testSecret)

	code, _ := f.post(t, event(t, "evt_song", "checkout.session.completed", map[string]any{
		"id":                  "cs_song",
		"object":              "checkout.session",
		"client_reference_id": "u1",
		"metadata":            map[string]string{"price_id": "price_song", "item_id": "song_42"},
	}), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "purchase_fulfilled", f.outcome(t, "evt_song"))

	code, _ = f.post(t, event(t, "evt_song_again", "checkout.session.completed", map[string]any{
		"id":                  "cs_song_2",
		"object":              "checkout.session",
		"client_reference_id": "u1",
		"metadata":            map[string]string{"price_id": "price_song", "item_id": "song_42"},
	}), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "purchase_already_fulfilled", f.outcome(t, "evt_song_again"))

	code, body := f.post(t, event(t, "evt_unmapped", "checkout.session.completed", map[string]any{
		"id":       "cs_x",
		"object":   "checkout.session",
		"metadata": map[string]string{"user_id": "u2", "price_id": "price_legacy"},
	}), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "unmapped_price", f.outcome(t, "evt_unmapped"))
	_, err := f.store.GetSubscription(context.Background(), "u2")
	assert.ErrorIs(t, err, subscriptions.ErrNotFound)
}

func TestUnhandledEventRecorded(t *testing.T) {
	f := newFixture(t, testSecret)
	code, body := f.post(t, event(t, "evt_misc", "customer.created", map[string]any{"id": "cus_1"}), testSecret)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "ignored", f.outcome(t, "evt_misc"))
}

func TestWebhookWithoutSecret(t *testing.T) {
	f := newFixture(t, "")
	code, _ := f.post(t, event(t, "evt_1", "customer.created", map[string]any{}), testSecret)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
