// Package orders reconciles in-flight order reservations against the venue.
package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// Result summarizes one reconciliation pass over open reservations.
type Result struct {
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
	Lost      int `json:"lost"`
}

// Reconciler resolves reserved orders by asking the venue what happened to them.
type Reconciler struct {
	store    store.OrderStore
	exchange exchange.Client
}

// NewReconciler creates a reconciler over the given store and venue.
func NewReconciler(st store.OrderStore, ex exchange.Client) *Reconciler {
	return &Reconciler{store: st, exchange: ex}
}

// Reconcile walks every reserved order once. Orders the venue reports as
// unknown, or rejected for their client id, are marked lost; Lost counts only
// the rows this pass moved to lost.
//
// An order the venue has ended (filled, or canceled after a partial fill) is
// confirmed with the fill it got, so it stops holding the instrument slot.
//
// An unclassified venue error stops the pass. The partial Result is returned
// alongside the error so the caller can still act on what was resolved.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var res Result

	ids, err := r.store.OpenOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("list open orders: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		details, venueErr := r.exchange.OrderDetails(ctx, id)
		if venueErr != nil {
			if !exchange.IsKind(venueErr, exchange.KindOrderDoesNotExist, exchange.KindParameterClientIDError) {
				return res, fmt.Errorf("order details %s: %w", id, venueErr)
			}
			newlyLost, err := r.store.MarkOrderLost(ctx, id)
			if err != nil {
				return res, fmt.Errorf("mark order %s lost: %w", id, err)
			}
			if newlyLost {
				res.Lost++
				metrics.RecordsReconciled.WithLabelValues("order", "lost").Inc()
				slog.Warn("order marked lost",
					"client_order_id", id,
					"reason", exchange.KindOf(venueErr).String(),
				)
			}
			continue
		}

		update := model.OrderUpdate{
			ClientOrderID:   id,
			ExchangeState:   details.State,
			FilledContracts: details.FilledContracts,
			AvgFillPrice:    details.AvgFillPrice,
			Complete:        details.Ended(),
		}
		if err := r.store.UpdateOrder(ctx, update); err != nil {
			return res, fmt.Errorf("update order %s: %w", id, err)
		}

		if update.Complete {
			res.Confirmed++
			metrics.RecordsReconciled.WithLabelValues("order", "confirmed").Inc()
		} else {
			res.Pending++
			metrics.RecordsReconciled.WithLabelValues("order", "pending").Inc()
		}
	}
	return res, nil
}
