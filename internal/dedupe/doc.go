// Package dedupe drops inbound deliveries that were already handled.
//
// WhatsApp retries webhooks that time out and the Matrix sync may replay
// events after a reconnect; both carry a provider message id that is
// remembered here for a while.
package dedupe
