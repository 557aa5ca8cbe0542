// ABOUTME: Service lifecycle events and the Publisher contract
// ABOUTME: Events are published as JSON envelopes keyed by their type

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event and doubles as its routing key.
type Type string

// Lifecycle event types.
const (
	ServiceStarted     Type = "service.started"
	ServiceQueued      Type = "service.queued"
	ServiceTransferred Type = "service.transferred"
	ServiceFinished    Type = "service.finished"
)

// Event is one lifecycle change of a service.
type Event struct {
	ID              string    `json:"id"`
	Type            Type      `json:"type"`
	ServiceID       string    `json:"service_id"`
	CustomerAddress string    `json:"customer_address"`
	AttendantID     string    `json:"attendant_id,omitempty"`
	FromAttendantID string    `json:"from_attendant_id,omitempty"`
	RoutingGroup    string    `json:"routing_group,omitempty"`
	Round           int       `json:"round,omitempty"`
	SLAMinutes      *int      `json:"sla_minutes,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher delivers lifecycle events. Publishing is best effort; callers
// log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(ctx context.Context, evt Event) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish records evt.
func (m *Memory) Publish(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

// Close does nothing.
func (m *Memory) Close() error { return nil }

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the recorded event types in order.
func (m *Memory) Types() []Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Type, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// Logging wraps a Publisher and logs instead of failing.
type Logging struct {
	next   Publisher
	logger *slog.Logger
}

// WithLogging returns a Publisher that logs delivery failures and never
// returns them.
func WithLogging(next Publisher, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{next: next, logger: logger.With("component", "events")}
}

// Publish forwards evt and swallows the error after logging it.
func (l *Logging) Publish(ctx context.Context, evt Event) error {
	if err := l.next.Publish(ctx, evt); err != nil {
		l.logger.Warn("failed to publish event", "type", evt.Type, "service", evt.ServiceID, "error", err)
	}
	return nil
}

// Close closes the wrapped publisher.
func (l *Logging) Close() error { return l.next.Close() }
