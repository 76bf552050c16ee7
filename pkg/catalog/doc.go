// Package catalog resolves plans and their feature sets.
//
// Three sources implement Catalog: a YAML file watched with fsnotify, the
// plans/plan_features Postgres tables, and an in-memory map. CachedCatalog
// wraps any of them with the shared typed cache and is invalidated
// explicitly on every plan write and file reload, so cached plans are never
// older than the last successful change.
//
// Catalog file format:
//
//	plans:
//	  - id: analytics-pro
//	    app_id: analytics
//	    name: Pro
//	    price_cents: 3000
//	    currency: usd
//	    interval: month
//	    trial_days: 14
//	    price_ref: price_1Pro
//	    active: true
//	    features:
//	      - key: dashboards
//	        kind: boolean
//	      - key: api_calls
//	        kind: limit
//	        limit: 1000
//	        reset_period: month
package catalog
