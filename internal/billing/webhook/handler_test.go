package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/tasks"
)

const testSecret = "whsec_test_123"

func newTestHandler(t *testing.T) (*Handler, *store.Store, *tasks.Runner) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	processor := NewProcessor(st, &fakeBilling{}, 30*24*time.Hour)
	runner := tasks.NewRunner(context.Background(), 2, 16)
	h := NewHandler(testSecret, st, processor, runner, 5*time.Second)
	return h, st, runner
}

// drain shuts the runner down, waiting for queued webhook tasks to finish.
func drain(t *testing.T, runner *tasks.Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))
}

func signedRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func eventPayload(t *testing.T, eventID, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func TestWebhookRejectsNonPost(t *testing.T) {
	h, _, runner := newTestHandler(t)
	defer drain(t, runner)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestWebhookMissingSignature(t *testing.T) {
	h, st, runner := newTestHandler(t)

	payload := eventPayload(t, "evt_1", "customer.subscription.created", map[string]any{"customer": "cus_1"})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	drain(t, runner)

	// No signature header means no audit entry at all.
	ev, err := st.GetWebhookEvent("evt_1")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestWebhookInvalidSignatureAudited(t *testing.T) {
	h, st, runner := newTestHandler(t)

	payload := eventPayload(t, "evt_1", "customer.subscription.created", map[string]any{"customer": "cus_1"})
	req := signedRequest(t, "whsec_wrong", payload)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	drain(t, runner)

	// The forged delivery is recorded under a synthetic id, and no state
	// mutation happens: the real event id was never processed.
	ev, err := st.GetWebhookEvent("evt_1")
	require.NoError(t, err)
	assert.Nil(t, ev)

	rec, err := st.GetSubscriptionByCustomerID("cus_1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWebhookValidDeliveryProcessed(t *testing.T) {
	h, st, runner := newTestHandler(t)

	require.NoError(t, st.CreateProfile(&store.Profile{
		UserID:           "user-1",
		Email:            "user-1@example.test",
		AccountStatus:    store.StatusFree,
		StripeCustomerID: "cus_1",
	}))
	require.NoError(t, st.CreateCustomerMapping(&store.CustomerMapping{
		UserID:           "user-1",
		StripeCustomerID: "cus_1",
	}))

	payload := eventPayload(t, "evt_1", "customer.subscription.created", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"items": map[string]any{
			"data": []map[string]any{{
				"current_period_start": 1747400000,
				"current_period_end":   1750000000,
				"price":                map[string]any{"id": "price_premium_monthly"},
			}},
		},
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, testSecret, payload))
	require.Equal(t, http.StatusOK, rr.Code)

	var ack ackResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ack))
	assert.True(t, ack.Received)

	drain(t, runner)

	ev, err := st.GetWebhookEvent("evt_1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "customer.subscription.created", ev.Type)
	assert.Empty(t, ev.Error)

	profile, err := st.GetProfile("user-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPremiumActive, profile.AccountStatus)
}

func TestWebhookDuplicateDeliveryAcknowledged(t *testing.T) {
	h, st, runner := newTestHandler(t)

	payload := eventPayload(t, "evt_dup", "customer.subscription.created", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
	})

	rr1 := httptest.NewRecorder()
	h.ServeHTTP(rr1, signedRequest(t, testSecret, payload))
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, signedRequest(t, testSecret, payload))
	assert.Equal(t, http.StatusOK, rr2.Code)

	drain(t, runner)

	ev, err := st.GetWebhookEvent("evt_dup")
	require.NoError(t, err)
	require.NotNil(t, ev)
}

func TestWebhookProcessingErrorRecorded(t *testing.T) {
	h, st, runner := newTestHandler(t)

	// Subscription event without a customer fails in the processor; the
	// delivery is still acknowledged so the provider does not retry forever.
	payload := eventPayload(t, "evt_bad", "customer.subscription.created", map[string]any{
		"id":     "sub_1",
		"status": "active",
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, testSecret, payload))
	require.Equal(t, http.StatusOK, rr.Code)

	drain(t, runner)

	ev, err := st.GetWebhookEvent("evt_bad")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Contains(t, ev.Error, "missing customer")
}

func TestWebhookDeadlineReachesProviderCalls(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	billing := &fakeBilling{sub: &stripelib.Subscription{
		ID:     "sub_1",
		Status: stripelib.SubscriptionStatusActive,
	}}
	runner := tasks.NewRunner(context.Background(), 1, 4)
	h := NewHandler(testSecret, st, NewProcessor(st, billing, 30*24*time.Hour), runner, 5*time.Second)

	require.NoError(t, st.CreateProfile(&store.Profile{
		UserID:           "user-1",
		Email:            "user-1@example.test",
		AccountStatus:    store.StatusPremiumActive,
		StripeCustomerID: "cus_1",
	}))
	require.NoError(t, st.CreateCustomerMapping(&store.CustomerMapping{
		UserID:           "user-1",
		StripeCustomerID: "cus_1",
	}))

	payload := eventPayload(t, "evt_paid", "invoice.payment_succeeded", map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, testSecret, payload))
	require.Equal(t, http.StatusOK, rr.Code)

	drain(t, runner)

	// The configured per-event timeout is attached to the provider call.
	require.Len(t, billing.getCtxs, 1)
	deadline, ok := billing.getCtxs[0].Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline, 4*time.Second)
}

func TestWebhookRejectsDuringShutdown(t *testing.T) {
	h, st, runner := newTestHandler(t)
	drain(t, runner)

	payload := eventPayload(t, "evt_late", "customer.subscription.created", map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, testSecret, payload))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// The audit row is rolled back so the redelivery processes normally.
	ev, err := st.GetWebhookEvent("evt_late")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestWebhookUnconfiguredSecret(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	runner := tasks.NewRunner(context.Background(), 1, 4)
	defer drain(t, runner)

	h := NewHandler("", st, NewProcessor(st, &fakeBilling{}, 0), runner, time.Second)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte("{}")))
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
