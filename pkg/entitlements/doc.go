// Package entitlements turns a subscription's plan into per-feature grants
// and answers whether a tenant may use a feature of an app.
package entitlements
