package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/traumtaghelden/traumtag-billing/internal/billing/metrics"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/store"
	"github.com/traumtaghelden/traumtag-billing/internal/billing/stripeapi"
)

const eventSource = "stripe_webhook"

// Processor applies verified Stripe events to the billing store: it upserts
// the subscription record, projects the account status, and appends the
// business event log.
type Processor struct {
	store           *store.Store
	billing         stripeapi.Client
	retentionWindow time.Duration
	now             func() time.Time
}

// NewProcessor creates a Processor. retentionWindow is how far in the future
// the data-deletion marker is placed when a subscription is deleted.
func NewProcessor(st *store.Store, billing stripeapi.Client, retentionWindow time.Duration) *Processor {
	if retentionWindow <= 0 {
		retentionWindow = 30 * 24 * time.Hour
	}
	return &Processor{
		store:           st,
		billing:         billing,
		retentionWindow: retentionWindow,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// subscriptionPayload is a minimal representation of a Stripe subscription
// event object. Period fields are read from the first item, falling back to
// the top-level fields older API versions carry.
type subscriptionPayload struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         int64  `json:"trial_start"`
	TrialEnd           int64  `json:"trial_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s *subscriptionPayload) period() (start, end int64) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	return s.CurrentPeriodStart, s.CurrentPeriodEnd
}

func (s *subscriptionPayload) firstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// invoicePayload is a minimal representation of a Stripe invoice event object.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// checkoutSessionPayload is a minimal representation of a checkout.session
// event object.
type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// Process dispatches a verified event to its handler. Unknown event types are
// logged and ignored.
func (p *Processor) Process(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "customer.subscription.created":
		return p.handleSubscriptionEvent(ctx, lifecycleSubscriptionCreated, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionEvent(ctx, lifecycleSubscriptionUpdated, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionEvent(ctx, lifecycleSubscriptionDeleted, event)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event)
	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func (p *Processor) handleSubscriptionEvent(ctx context.Context, kind lifecycle, event *stripelib.Event) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		return fmt.Errorf("subscription event missing customer")
	}
	if !stripeapi.IsSafeStripeID(customerID) {
		return fmt.Errorf("invalid stripe customer id: %s", customerID)
	}

	periodStart, periodEnd := sub.period()
	metaJSON, _ := json.Marshal(sub.Metadata)
	rec := &store.Subscription{
		StripeCustomerID:   customerID,
		SubscriptionID:     strings.TrimSpace(sub.ID),
		PriceID:            sub.firstPriceID(),
		Status:             strings.TrimSpace(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		TrialStart:         sub.TrialStart,
		TrialEnd:           sub.TrialEnd,
		Metadata:           string(metaJSON),
	}

	applied, err := p.store.UpsertSubscription(rec)
	if err != nil {
		return fmt.Errorf("upsert subscription record: %w", err)
	}
	if !applied && kind != lifecycleSubscriptionDeleted {
		// A newer period is already stored; this delivery arrived out of
		// order. Deletions still take effect below regardless of ordering.
		log.Warn().
			Str("customer_id", customerID).
			Str("subscription_id", rec.SubscriptionID).
			Int64("period_end", periodEnd).
			Msg("Stale subscription event skipped")
		return nil
	}

	transition, ok := resolveTransition(kind, strings.ToLower(strings.TrimSpace(sub.Status)), sub.CancelAtPeriodEnd)
	if !ok {
		log.Debug().
			Str("customer_id", customerID).
			Str("status", sub.Status).
			Msg("Subscription event has no account-status transition")
		return nil
	}

	return p.applyTransition(ctx, event, customerID, transition, map[string]string{
		"subscription_id": rec.SubscriptionID,
		"status":          rec.Status,
	})
}

func (p *Processor) handleInvoicePaymentSucceeded(ctx context.Context, event *stripelib.Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	customerID := strings.TrimSpace(inv.Customer)
	if customerID == "" {
		return fmt.Errorf("invoice event missing customer")
	}

	// Re-sync the record from the provider: the subscription object is the
	// authoritative source for period boundaries and payment method.
	if subID := strings.TrimSpace(inv.Subscription); subID != "" {
		if sub, err := p.billing.GetSubscription(ctx, subID); err != nil {
			log.Warn().Err(err).
				Str("customer_id", customerID).
				Str("subscription_id", subID).
				Msg("Subscription re-sync failed after payment; updating status only")
			if updateErr := p.store.UpdateSubscriptionStatus(customerID, "active", "", ""); updateErr != nil {
				return fmt.Errorf("update subscription status: %w", updateErr)
			}
		} else {
			if _, err := p.store.UpsertSubscription(recordFromAPI(customerID, sub)); err != nil {
				return fmt.Errorf("upsert subscription record: %w", err)
			}
		}
	}

	transition, _ := resolveTransition(lifecycleInvoicePaid, "", false)
	return p.applyTransition(ctx, event, customerID, transition, map[string]string{
		"invoice_id": strings.TrimSpace(inv.ID),
	})
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, event *stripelib.Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	customerID := strings.TrimSpace(inv.Customer)
	if customerID == "" {
		return fmt.Errorf("invoice event missing customer")
	}

	if err := p.store.UpdateSubscriptionStatus(customerID, "past_due", "", ""); err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}

	transition, _ := resolveTransition(lifecycleInvoiceFailed, "", false)
	return p.applyTransition(ctx, event, customerID, transition, map[string]string{
		"invoice_id": strings.TrimSpace(inv.ID),
	})
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event *stripelib.Event) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("decode checkout.session: %w", err)
	}

	if !strings.EqualFold(strings.TrimSpace(session.Mode), "subscription") {
		log.Info().
			Str("session_id", session.ID).
			Str("mode", session.Mode).
			Msg("Non-subscription checkout ignored")
		return nil
	}

	customerID := strings.TrimSpace(session.Customer)
	if customerID == "" {
		return fmt.Errorf("checkout session missing customer")
	}
	subID := strings.TrimSpace(session.Subscription)
	if subID == "" {
		return fmt.Errorf("subscription checkout session missing subscription")
	}

	sub, err := p.billing.GetSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", subID, err)
	}
	if _, err := p.store.UpsertSubscription(recordFromAPI(customerID, sub)); err != nil {
		return fmt.Errorf("upsert subscription record: %w", err)
	}

	transition, _ := resolveTransition(lifecycleCheckoutCompleted, "", false)
	return p.applyTransition(ctx, event, customerID, transition, map[string]string{
		"session_id":      strings.TrimSpace(session.ID),
		"subscription_id": subID,
	})
}

// applyTransition resolves the profile for customerID, projects the account
// status, maintains the deletion marker, and appends the event log entry. A
// missing profile is logged and dropped without error; the provider's own
// redelivery covers transient mapping races.
func (p *Processor) applyTransition(ctx context.Context, event *stripelib.Event, customerID string, t Transition, meta map[string]string) error {
	profile, err := p.lookupProfile(customerID)
	if err != nil {
		return fmt.Errorf("lookup profile by customer: %w", err)
	}
	if profile == nil {
		log.Warn().
			Str("customer_id", customerID).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("No profile for Stripe customer; event dropped")
		return nil
	}

	profile.AccountStatus = t.Status
	if profile.StripeCustomerID == "" {
		profile.StripeCustomerID = customerID
	}
	if t.ScheduleDeletion {
		at := p.now().Add(p.retentionWindow)
		profile.DeletionScheduledAt = &at
	}
	if t.ClearDeletion {
		profile.DeletionScheduledAt = nil
	}
	if err := p.store.UpdateProfile(profile); err != nil {
		return fmt.Errorf("update profile %s: %w", profile.UserID, err)
	}
	metrics.AccountStatusTransitions.WithLabelValues(string(t.Status)).Inc()

	metaJSON, _ := json.Marshal(meta)
	if err := p.store.AppendSubscriptionEvent(&store.SubscriptionEvent{
		UserID:    profile.UserID,
		EventType: t.LogType,
		Status:    t.Status,
		Metadata:  string(metaJSON),
		Source:    eventSource,
	}); err != nil {
		return fmt.Errorf("append subscription event: %w", err)
	}

	log.Info().
		Str("user_id", profile.UserID).
		Str("customer_id", customerID).
		Str("account_status", string(t.Status)).
		Str("log_type", t.LogType).
		Msg("Subscription lifecycle transition applied")

	return nil
}

func (p *Processor) lookupProfile(customerID string) (*store.Profile, error) {
	profile, err := p.store.GetProfileByCustomerID(customerID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	// The mapping row is authoritative; the profile's customer-id field may
	// lag behind a checkout that could not backfill it.
	mapping, err := p.store.GetCustomerMappingByCustomerID(customerID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, nil
	}
	return p.store.GetProfile(mapping.UserID)
}

func recordFromAPI(customerID string, sub *stripelib.Subscription) *store.Subscription {
	periodStart, periodEnd := stripeapi.FirstItemPeriod(sub)
	brand, last4 := paymentCard(sub)
	metaJSON, _ := json.Marshal(sub.Metadata)

	return &store.Subscription{
		StripeCustomerID:   customerID,
		SubscriptionID:     sub.ID,
		PriceID:            stripeapi.FirstItemPriceID(sub),
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		TrialStart:         sub.TrialStart,
		TrialEnd:           sub.TrialEnd,
		PaymentBrand:       brand,
		PaymentLast4:       last4,
		Metadata:           string(metaJSON),
	}
}

// paymentCard reads the card brand and last4 from an expanded default payment
// method, if present.
func paymentCard(sub *stripelib.Subscription) (brand, last4 string) {
	if sub == nil || sub.DefaultPaymentMethod == nil || sub.DefaultPaymentMethod.Card == nil {
		return "", ""
	}
	return string(sub.DefaultPaymentMethod.Card.Brand), sub.DefaultPaymentMethod.Card.Last4
}
