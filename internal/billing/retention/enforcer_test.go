package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
)

func newTestEnforcer(t *testing.T) (*Enforcer, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := NewEnforcer(st)
	e.now = func() time.Time { return time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC) }
	return e, st
}

func seedProfile(t *testing.T, st *store.Store, userID string, status store.AccountStatus, deletionAt *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateProfile(&store.Profile{
		UserID:              userID,
		Email:               userID + "@example.test",
		AccountStatus:       status,
		StripeCustomerID:    "cus_" + userID,
		DeletionScheduledAt: deletionAt,
	}))
}

func TestEnforceDowngradesDueProfiles(t *testing.T) {
	e, st := newTestEnforcer(t)

	past := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	seedProfile(t, st, "due", store.StatusPremiumCancelled, &past)
	seedProfile(t, st, "pending", store.StatusPremiumCancelled, &future)
	seedProfile(t, st, "unmarked", store.StatusPremiumActive, nil)

	e.enforce(context.Background())

	due, err := st.GetProfile("due")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFree, due.AccountStatus)
	assert.Empty(t, due.StripeCustomerID)
	assert.Nil(t, due.DeletionScheduledAt)

	events, err := st.ListSubscriptionEvents("due")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventRetentionExpired, events[0].EventType)
	assert.Equal(t, "retention_enforcer", events[0].Source)

	pending, err := st.GetProfile("pending")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPremiumCancelled, pending.AccountStatus)
	require.NotNil(t, pending.DeletionScheduledAt)

	unmarked, err := st.GetProfile("unmarked")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPremiumActive, unmarked.AccountStatus)
}

func TestEnforceIsIdempotent(t *testing.T) {
	e, st := newTestEnforcer(t)

	past := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	seedProfile(t, st, "due", store.StatusPremiumCancelled, &past)

	e.enforce(context.Background())
	e.enforce(context.Background())

	events, err := st.ListSubscriptionEvents("due")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e, _ := newTestEnforcer(t)
	e.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enforcer did not stop")
	}
}
