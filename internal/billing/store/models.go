package store

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// AccountStatus is the derived projection of a user's subscription standing.
// It is computed from Stripe events; the authoritative source is Stripe's
// subscription object.
type AccountStatus string

const (
	StatusFree             AccountStatus = "free"
	StatusPremiumActive    AccountStatus = "premium_active"
	StatusPremiumCancelled AccountStatus = "premium_cancelled"
	StatusSuspended        AccountStatus = "suspended"
)

// Profile is a user profile row. AccountStatus and the deletion marker are
// mutated only by the webhook processor and the retention enforcer.
type Profile struct {
	UserID              string        `json:"user_id"`
	Email               string        `json:"email"`
	DisplayName         string        `json:"display_name"`
	AccountStatus       AccountStatus `json:"account_status"`
	StripeCustomerID    string        `json:"stripe_customer_id"`
	WeddingID           string        `json:"wedding_id"`
	DeletionScheduledAt *time.Time    `json:"deletion_scheduled_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// CustomerMapping links an internal user ID to a Stripe customer ID, 1:1.
// Created lazily on first checkout; the mapping row is authoritative even if
// the profile's customer-id field lags behind.
type CustomerMapping struct {
	UserID           string    `json:"user_id"`
	StripeCustomerID string    `json:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Subscription is the per-customer subscription record, upserted by the
// webhook processor. Upsert key is the Stripe customer ID.
type Subscription struct {
	StripeCustomerID   string    `json:"stripe_customer_id"`
	SubscriptionID     string    `json:"subscription_id"`
	PriceID            string    `json:"price_id"`
	Status             string    `json:"status"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CurrentPeriodStart int64     `json:"current_period_start"`
	CurrentPeriodEnd   int64     `json:"current_period_end"`
	TrialStart         int64     `json:"trial_start"`
	TrialEnd           int64     `json:"trial_end"`
	PaymentBrand       string    `json:"payment_brand"`
	PaymentLast4       string    `json:"payment_last4"`
	Metadata           string    `json:"metadata"` // raw JSON from Stripe
	UpdatedAt          time.Time `json:"updated_at"`
}

// WebhookEvent is an append-only audit record of a received webhook delivery.
// Write-once per event ID; never read by business logic.
type WebhookEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	Payload    string    `json:"payload"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Subscription event log types, one per lifecycle transition.
const (
	EventSubscriptionCreated         = "subscription_created"
	EventSubscriptionUpdated         = "subscription_updated"
	EventSubscriptionCancelScheduled = "subscription_cancel_scheduled"
	EventSubscriptionCancelled       = "subscription_cancelled"
	EventSubscriptionDeleted         = "subscription_deleted"
	EventPaymentSucceeded            = "payment_succeeded"
	EventPaymentFailed               = "payment_failed"
	EventCheckoutCompleted           = "checkout_completed"
	EventRetentionExpired            = "data_retention_expired"
)

// SubscriptionEvent is an append-only business-level history entry.
type SubscriptionEvent struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	EventType string        `json:"event_type"`
	Status    AccountStatus `json:"status"`
	Metadata  string        `json:"metadata"`
	Source    string        `json:"source"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewEventID returns a sortable ULID for subscription event log entries.
func NewEventID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
