// Package reconcile applies payment processor events to local subscriptions.
//
// Events are deduplicated by id through storage.ProcessedEvent, serialized
// per (tenant, app) with a lock.Locker and applied through
// billing.ExternalSync inside one storage transaction together with the
// entitlement recomputation and the processed-event record. Cache
// invalidation and notifications run after the commit and never fail an
// ingest.
//
// Envelopes can also be ingested in the background through a tasks.Queue,
// which retries transient failures such as a subscription that is not yet
// visible locally.
package reconcile
