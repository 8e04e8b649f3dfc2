// Package adjustment maintains the append-only audit log of hedge adjustments.
package adjustment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/kafka"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// DefaultTopic is the Kafka topic adjustment events are written to.
const DefaultTopic = "hedge.adjustments"

// EventSink receives an event for every newly persisted adjustment.
// *kafka.Producer satisfies it.
type EventSink interface {
	Send(msg kafka.Message) error
}

// AdjustmentEvent is the wire form of a persisted adjustment.
type AdjustmentEvent struct {
	topic      string
	Adjustment model.Adjustment
}

func (e AdjustmentEvent) Topic() string { return e.topic }

// Key partitions by correlation id so replays of one decision stay ordered.
func (e AdjustmentEvent) Key() string { return e.Adjustment.CorrelationID.String() }

func (e AdjustmentEvent) Value() ([]byte, error) { return json.Marshal(e.Adjustment) }

// Ledger persists adjustments and fans newly written rows out to the sink.
type Ledger struct {
	store store.AdjustmentStore
	sink  EventSink
	topic string
}

// NewLedger creates a ledger. sink may be nil.
func NewLedger(st store.AdjustmentStore, sink EventSink, topic string) *Ledger {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Ledger{store: st, sink: sink, topic: topic}
}

// Persist appends a. Replays of the same (correlation id, instrument) are
// no-ops and do not emit a second event.
func (l *Ledger) Persist(ctx context.Context, a *model.Adjustment) error {
	if a.ActionUnit == "" {
		a.ActionUnit = model.ActionUnit
	}
	inserted, err := l.store.InsertAdjustment(ctx, a)
	if err != nil {
		return fmt.Errorf("persist adjustment %s: %w", a.CorrelationID, err)
	}
	if !inserted {
		slog.Info("adjustment already recorded", "correlation_id", a.CorrelationID)
		return nil
	}

	if l.sink != nil {
		if err := l.sink.Send(AdjustmentEvent{topic: l.topic, Adjustment: *a}); err != nil {
			metrics.PublishFailures.WithLabelValues("kafka").Inc()
			slog.Warn("adjustment event not sent", "correlation_id", a.CorrelationID, "err", err)
		}
	}
	return nil
}

// Get reads back one adjustment.
func (l *Ledger) Get(ctx context.Context, correlationID uuid.UUID, inst instrument.Instrument) (*model.Adjustment, error) {
	return l.store.GetAdjustment(ctx, correlationID, inst)
}

// Recent returns up to limit adjustments, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]model.Adjustment, error) {
	return l.store.ListAdjustments(ctx, limit)
}
