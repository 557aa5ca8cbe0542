// Package events publishes service lifecycle changes.
//
// The orchestrator emits service.started, service.queued, service.transferred
// and service.finished. When events.url is configured they go to a RabbitMQ
// topic exchange; otherwise they are discarded.
package events
