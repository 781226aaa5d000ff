// Package retention downgrades accounts whose data-retention window has
// expired after a subscription deletion.
package retention

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/metrics"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
)

const checkInterval = 1 * time.Hour

// Enforcer periodically finds profiles whose deletion marker has passed and
// completes the downgrade: account back to free, billing linkage cleared, and
// the expiry recorded in the event log.
type Enforcer struct {
	store    *store.Store
	interval time.Duration
	now      func() time.Time
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(st *store.Store) *Enforcer {
	return &Enforcer{
		store:    st,
		interval: checkInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	log.Info().Msg("Retention enforcer started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention enforcer stopped")
			return
		case <-ticker.C:
			e.enforce(ctx)
		}
	}
}

func (e *Enforcer) enforce(ctx context.Context) {
	due, err := e.store.ListDeletionDue(e.now())
	if err != nil {
		log.Error().Err(err).Msg("Retention enforcer: failed to list due profiles")
		return
	}

	for _, profile := range due {
		if ctx.Err() != nil {
			return
		}
		if profile == nil {
			continue
		}
		e.expire(profile)
	}
}

func (e *Enforcer) expire(profile *store.Profile) {
	scheduledAt := ""
	if profile.DeletionScheduledAt != nil {
		scheduledAt = profile.DeletionScheduledAt.UTC().Format(time.RFC3339)
	}

	log.Warn().
		Str("user_id", profile.UserID).
		Str("stripe_customer_id", profile.StripeCustomerID).
		Str("scheduled_at", scheduledAt).
		Msg("Retention window expired, downgrading account")

	customerID := profile.StripeCustomerID
	profile.AccountStatus = store.StatusFree
	profile.StripeCustomerID = ""
	profile.DeletionScheduledAt = nil
	if err := e.store.UpdateProfile(profile); err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("Retention enforcer: failed to downgrade profile")
		return
	}
	metrics.RetentionExpirations.Inc()

	meta, _ := json.Marshal(map[string]string{
		"stripe_customer_id": customerID,
		"scheduled_at":       scheduledAt,
	})
	if err := e.store.AppendSubscriptionEvent(&store.SubscriptionEvent{
		UserID:    profile.UserID,
		EventType: store.EventRetentionExpired,
		Status:    store.StatusFree,
		Metadata:  string(meta),
		Source:    "retention_enforcer",
	}); err != nil {
		log.Error().Err(err).Str("user_id", profile.UserID).Msg("Retention enforcer: failed to append event")
	}
}
