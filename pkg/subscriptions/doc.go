// Package subscriptions is the user-initiated side of the subscription
// lifecycle: subscribe, change plan, cancel and reactivate.
//
// Every mutation takes the per-(tenant, app) lock shared with the event
// reconciler, loads the subscription inside a storage transaction, calls
// the payment gateway and commits only when the gateway accepted the
// change. A declined charge surfaces as *billing.PaymentError and leaves
// both the subscription and its entitlements untouched.
package subscriptions
