// Package usage meters per-tenant consumption of limited resources.
//
// A Meter checks and increments counters in one atomic step against a
// Store (memory, Redis or PostgreSQL), raises warning and critical alerts as
// counters cross 80% and 100% of their limit, and analyzes a tenant's usage
// into health levels with ranked recommendations.
package usage
