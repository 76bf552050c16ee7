// Package api provides the HTTP interface of the entitlement engine.
//
// # Overview
//
// The API is built on gorilla/mux and exposes three groups of routes:
//
//   - Event ingest: POST /internal/events takes envelopes already verified
//     by a trusted service, POST /webhooks/stripe verifies Stripe signatures
//     and translates the event into the same envelope.
//   - Subscriptions: /v1/tenants/{tenant}/apps/{app}/subscription with
//     preview, change, cancel and reactivate actions.
//   - Entitlements and usage: feature access checks, entitlement listing,
//     quota consumption and per-tenant usage analysis.
//
// # Event Ingest
//
// Events referring to a subscription that is not known yet are answered
// with 503 and a Retry-After header so the sender redelivers them. When a
// task queue is configured the envelope is queued instead and the response
// is 202; retries then happen in the background.
//
//	srv := api.NewServer(api.Deps{
//		Ingester:      reconciler,
//		Subscriptions: subs,
//		Entitlements:  ents,
//		Usage:         meter,
//	}, api.Options{InternalToken: token}, log)
//	http.ListenAndServe(":8080", srv.Handler())
//
// # Errors
//
// Domain errors are mapped by httputil.WriteDomainError: validation 400,
// not found 404, conflict 409, payment 402, quota exceeded 429.
//
// # Middleware
//
// Every route runs recovery, request ID, logging, body size limit and,
// when configured, Prometheus metrics. The /v1 routes additionally resolve
// the tenant and apply rate limiting. Handler wraps the router in otelhttp.
package api
