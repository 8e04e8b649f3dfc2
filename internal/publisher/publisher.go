// Package publisher fans hedge observability events out to downstream sinks.
// Every sink is best-effort: a failed publish is reported but never blocks
// or aborts the control loop.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
)

// Publisher receives position snapshots and lost-record alerts.
type Publisher interface {
	PublishPosition(ctx context.Context, snap model.PositionSnapshot) error
	PublishAlert(ctx context.Context, alert model.LostRecordAlert) error
}

// Sink is a named Publisher inside a Multi.
type Sink struct {
	Name      string
	Publisher Publisher
}

// Multi publishes to every sink in order, logging and counting failures.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a fan-out over sinks.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Add appends a sink.
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, Sink{Name: name, Publisher: p})
}

func (m *Multi) PublishPosition(ctx context.Context, snap model.PositionSnapshot) error {
	return m.each("position", func(p Publisher) error { return p.PublishPosition(ctx, snap) })
}

func (m *Multi) PublishAlert(ctx context.Context, alert model.LostRecordAlert) error {
	return m.each("alert", func(p Publisher) error { return p.PublishAlert(ctx, alert) })
}

func (m *Multi) each(event string, fn func(Publisher) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s.Publisher); err != nil {
			metrics.PublishFailures.WithLabelValues(s.Name).Inc()
			slog.Warn("publish failed", "sink", s.Name, "event", event, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// maxAlerts bounds the alerts Latest keeps.
const maxAlerts = 100

// Latest keeps the last snapshot and recent alerts in process for the API.
type Latest struct {
	mu       sync.RWMutex
	snapshot *model.PositionSnapshot
	alerts   []model.LostRecordAlert
}

// NewLatest creates an empty holder.
func NewLatest() *Latest {
	return &Latest{}
}

func (l *Latest) PublishPosition(_ context.Context, snap model.PositionSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot = &snap
	return nil
}

func (l *Latest) PublishAlert(_ context.Context, alert model.LostRecordAlert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, alert)
	if len(l.alerts) > maxAlerts {
		l.alerts = l.alerts[len(l.alerts)-maxAlerts:]
	}
	return nil
}

// Snapshot returns the last published snapshot, if any.
func (l *Latest) Snapshot() (model.PositionSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot == nil {
		return model.PositionSnapshot{}, false
	}
	return *l.snapshot, true
}

// Alerts returns the retained alerts, newest first.
func (l *Latest) Alerts() []model.LostRecordAlert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.LostRecordAlert, len(l.alerts))
	for i, a := range l.alerts {
		out[len(l.alerts)-1-i] = a
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishPosition(context.Context, model.PositionSnapshot) error { return nil }
func (Nop) PublishAlert(context.Context, model.LostRecordAlert) error     { return nil }
