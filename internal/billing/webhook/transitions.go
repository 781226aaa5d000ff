package webhook

import "github.com/traumtaghelden/traumtag-billing/internal/billing/store"

// lifecycle is the normalized event kind driving the account-status
// projection.
type lifecycle int

const (
	lifecycleSubscriptionCreated lifecycle = iota
	lifecycleSubscriptionUpdated
	lifecycleSubscriptionDeleted
	lifecycleInvoicePaid
	lifecycleInvoiceFailed
	lifecycleCheckoutCompleted
)

// Transition describes the state change a lifecycle event produces: the
// resulting account status, the event-log entry type, and what happens to
// the scheduled-deletion marker.
type Transition struct {
	Status           store.AccountStatus
	LogType          string
	ScheduleDeletion bool
	ClearDeletion    bool
}

// resolveTransition maps (event kind, subscription status, cancel flag) to a
// Transition. The second return is false when no account-status change is
// defined for the combination; the subscription record is still persisted in
// that case.
func resolveTransition(kind lifecycle, status string, cancelAtPeriodEnd bool) (Transition, bool) {
	switch kind {
	case lifecycleSubscriptionCreated:
		return Transition{Status: store.StatusPremiumActive, LogType: store.EventSubscriptionCreated}, true

	case lifecycleSubscriptionUpdated:
		switch {
		case status == "active" && !cancelAtPeriodEnd:
			return Transition{Status: store.StatusPremiumActive, LogType: store.EventSubscriptionUpdated}, true
		case status == "active" && cancelAtPeriodEnd:
			// Soft-cancel: still entitled until period end, but flagged.
			return Transition{Status: store.StatusPremiumCancelled, LogType: store.EventSubscriptionCancelScheduled}, true
		case status == "canceled":
			return Transition{Status: store.StatusPremiumCancelled, LogType: store.EventSubscriptionCancelled}, true
		default:
			return Transition{}, false
		}

	case lifecycleSubscriptionDeleted:
		return Transition{
			Status:           store.StatusPremiumCancelled,
			LogType:          store.EventSubscriptionDeleted,
			ScheduleDeletion: true,
		}, true

	case lifecycleInvoicePaid:
		return Transition{
			Status:        store.StatusPremiumActive,
			LogType:       store.EventPaymentSucceeded,
			ClearDeletion: true,
		}, true

	case lifecycleInvoiceFailed:
		return Transition{Status: store.StatusSuspended, LogType: store.EventPaymentFailed}, true

	case lifecycleCheckoutCompleted:
		return Transition{
			Status:        store.StatusPremiumActive,
			LogType:       store.EventCheckoutCompleted,
			ClearDeletion: true,
		}, true
	}
	return Transition{}, false
}
