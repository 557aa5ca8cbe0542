// ABOUTME: Gateway that only logs outbound traffic
// ABOUTME: Stands in for a channel the serve command was not configured with

package channel

import (
	"context"
	"log/slog"
)

// LogSink is a Gateway that logs every message instead of delivering it.
type LogSink struct {
	kind   Kind
	logger *slog.Logger
}

// NewLogSink creates a LogSink for kind.
func NewLogSink(kind Kind, logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{kind: kind, logger: logger.With("component", "sink", "kind", string(kind))}
}

// Kind returns the sink's channel kind.
func (s *LogSink) Kind() Kind { return s.kind }

// Send logs msg.
func (s *LogSink) Send(ctx context.Context, msg Message) error {
	s.logger.Info("undelivered message", "to", msg.To.String(), "text", msg.Text, "options", len(msg.Options))
	return nil
}

// SendFile logs file.
func (s *LogSink) SendFile(ctx context.Context, to Address, file File) error {
	s.logger.Info("undelivered file", "to", to.String(), "name", file.Name)
	return nil
}
