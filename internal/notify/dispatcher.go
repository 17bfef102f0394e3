package notify

import (
	"context"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/settings"
	"go.uber.org/zap"
)

// Scheduler presents a local notification. Fire-and-forget.
type Scheduler interface {
	Schedule(title, body string, data map[string]any)
}

// RecordSource supplies the current policy record.
type RecordSource interface {
	Get(ctx context.Context) (settings.Record, error)
}

// Dispatcher reads the stored policy, redacts the message and hands the
// result to the presenter.
type Dispatcher struct {
	records   RecordSource
	scheduler Scheduler
	logger    *zap.Logger
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(records RecordSource, scheduler Scheduler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{records: records, scheduler: scheduler, logger: logger}
}

// Notify decides and schedules a notification for one inbound message. It
// reports whether a notification was scheduled. A failed settings read
// suppresses the notification.
func (d *Dispatcher) Notify(ctx context.Context, senderLabel, content string, data map[string]any) bool {
	rec, err := d.records.Get(ctx)
	if err != nil {
		d.logger.Warn("notification suppressed: settings unavailable", zap.Error(err))
		return false
	}
	n, ok := Decide(rec, senderLabel, content)
	if !ok {
		d.logger.Debug("notification suppressed",
			zap.Bool("enabled", rec.Enabled), zap.String("reveal_level", string(rec.RevealLevel)))
		return false
	}
	d.scheduler.Schedule(n.Title, n.Body, data)
	return true
}

// LogScheduler presents notifications by logging them and publishing them
// on the bus for any attached UI.
type LogScheduler struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewLogScheduler creates a LogScheduler.
func NewLogScheduler(b *bus.Bus, logger *zap.Logger) *LogScheduler {
	return &LogScheduler{bus: b, logger: logger}
}

// Schedule implements Scheduler.
func (s *LogScheduler) Schedule(title, body string, data map[string]any) {
	s.logger.Info("notification", zap.String("title", title), zap.String("body", body), zap.Any("data", data))
	s.bus.Publish(bus.Event{
		Kind:    bus.KindNotification,
		Payload: Notification{Title: title, Body: body},
	})
}
