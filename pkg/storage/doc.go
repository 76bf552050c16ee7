// Package storage defines the persistence boundary of appgrant.
//
// Subscriptions, entitlements and processed events live behind Store. Every
// subscription transition runs through Store.WithTx so the state change, the
// entitlement recomputation and the processed event record commit together.
//
// Two implementations exist:
//
//   - storage/postgres: PostgreSQL with row locks (SELECT ... FOR UPDATE) and
//     a partial unique index enforcing one live subscription per (tenant, app)
//   - storage/memory: in-process, serialized transactions over cloned state,
//     used by tests and single-node development
//
// The package also builds the shared PostgreSQL pool and Redis client from
// Config.
package storage
