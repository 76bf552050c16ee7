// Package billing holds the subscription model and the pure rules that act on
// it: the status state machine, proration and the payment gateway port.
//
// # Statuses
//
// A subscription is in exactly one of eight statuses. Canceled and
// IncompleteExpired are terminal. Access is granted in Active, Trialing and
// CanceledPending, revoked in Canceled, Unpaid and IncompleteExpired, and left
// untouched in PastDue and Incomplete.
//
//	incomplete ──► active ◄──► past_due ──► unpaid
//	    │            │  ▲          │
//	    ▼            ▼  │          ▼
//	incomplete_   canceled_ ───► canceled
//	expired       pending
//
// # Ordering
//
// ExternalSync applies the processor's state only when the carried period end
// is after the stored one. A sync to canceled always applies.
//
// # Proration
//
// PreviewChange uses the actual elapsed fraction of the current period:
//
//	preview, err := billing.PreviewChange(sub, oldPlan.Price(), newPlan.Price(), 1, time.Now())
//	// $10 -> $30 at half period: preview.AmountDueCents == 1000
//
// # Related Packages
//
//   - pkg/entitlements: feature grants derived from subscription status
//   - pkg/reconcile: inbound processor events
//   - pkg/subscriptions: user initiated changes
package billing
