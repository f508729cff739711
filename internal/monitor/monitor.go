package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/internal/gateway"
)

// Monitor counts broker state changes and raises alerts for failures.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sink    AlertSink
}

// Start subscribes to broker state events; it returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		slog.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.Subscribe(events.EventBrokerState, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
}

func (m *Monitor) handle(msg any) {
	s, ok := msg.(events.BrokerState)
	if !ok {
		return
	}
	if m.Metrics != nil {
		m.Metrics.RecordStateChange(s.State)
	}
	switch s.State {
	case gateway.StateUnhealthy, gateway.StateStartFailed:
		if m.Sink != nil {
			_ = m.Sink.Send(formatAlert(s))
		}
	}
}

func formatAlert(s events.BrokerState) string {
	return fmt.Sprintf("[%s] %s %s: %s", time.Now().Format(time.RFC3339), s.Broker, s.State, s.Error)
}
