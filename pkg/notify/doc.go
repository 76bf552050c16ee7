// Package notify delivers subscription and usage events to HTTP endpoints.
//
// Every delivery is a JSON POST signed with HMAC-SHA256 over the body:
//
//	X-Appgrant-Event:     usage.warning
//	X-Appgrant-Event-ID:  5f0c...
//	X-Appgrant-Signature: sha256=<hex>
//
// Receivers check the signature with VerifySignature. Endpoints configured
// with the slack format receive a Slack attachment instead of the raw event
// and are not signed.
//
// When a tasks.Queue is attached, deliveries run in the background with the
// queue's retry policy; endpoints answering 4xx are not retried.
package notify
