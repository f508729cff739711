package monitor

import "log/slog"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts as warn-level log records.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(message string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(message, "component", "monitor")
	return nil
}
