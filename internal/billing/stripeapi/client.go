// Package stripeapi isolates the Stripe SDK behind an interface so handlers
// can be tested against a mock billing client.
package stripeapi

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Client is the subset of billing-provider operations the service consumes.
// Every call takes a context so request deadlines cancel in-flight API calls.
type Client interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// API is the production Client backed by stripe-go. Constructed once at
// process start and reused for all invocations; no teardown.
type API struct{}

// NewAPI configures the global stripe-go key and returns the production client.
func NewAPI(apiKey string) *API {
	stripe.Key = strings.TrimSpace(apiKey)
	return &API{}
}

func (a *API) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	params.Context = ctx
	return customer.New(params)
}

func (a *API) DeleteCustomer(ctx context.Context, id string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	_, err := customer.Del(id, params)
	return err
}

func (a *API) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return session.New(params)
}

func (a *API) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("default_payment_method")
	return subscription.Get(id, params)
}

// FirstItemPeriod returns the current period boundaries from the first
// subscription item. Period fields live on items in current API versions.
func FirstItemPeriod(sub *stripe.Subscription) (start, end int64) {
	if sub == nil || sub.Items == nil {
		return 0, 0
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		return item.CurrentPeriodStart, item.CurrentPeriodEnd
	}
	return 0, 0
}

// FirstItemPriceID returns the price ID from the first subscription item.
func FirstItemPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
