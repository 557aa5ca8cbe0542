// Package gateway runs the switchboard process.
//
// A Gateway owns three long-running pieces:
//
//   - the HTTP server: the WhatsApp webhook at /webhooks/whatsapp, health
//     checks at /health and /health/ready, and the ops API under /api
//   - the queue sweep, which calls the orchestrator's ReconcileQueue at
//     startup and every matching.sweep_interval
//   - the attendant channel sync (Matrix), when that channel is enabled
//
// # Ops API
//
// When auth.jwt_secret is set every /api route requires a bearer token
// (see package auth); POST /api/sweep additionally requires the admin role.
//
//	GET  /api/services?status=IN_QUEUE,RUNNING
//	GET  /api/services/{id}?limit=100
//	GET  /api/attendants
//	POST /api/sweep
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # Lifecycle
//
// Run blocks until its context is cancelled or a component fails, then
// shuts the HTTP server down, waits for the background loops and closes
// the store.
package gateway
