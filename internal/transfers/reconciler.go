// Package transfers tracks fund movements whose venue-side outcome is not yet
// known: internal transfers and external on-chain deposits. It reconciles
// pending records against the venue, registers new ones, and sweeps records
// that ended up lost.
package transfers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

// DefaultDepositTimeout is how long an external deposit may keep returning
// ambiguous venue errors before it is declared lost.
const DefaultDepositTimeout = 10 * time.Minute

// Result summarizes one reconciliation pass. Lost counts only records this
// pass moved to lost.
type Result struct {
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
	Lost      int `json:"lost"`
}

func (r *Result) add(o Result) {
	r.Confirmed += o.Confirmed
	r.Pending += o.Pending
	r.Lost += o.Lost
}

// Reconciler resolves pending transfer records against the venue.
type Reconciler struct {
	store    store.TransferStore
	exchange exchange.Client

	// Clock returns the current time; overridable in tests.
	Clock func() time.Time
	// DepositTimeout is the wall-clock deadline measured from a deposit's
	// creation.
	DepositTimeout time.Duration
}

// NewReconciler creates a reconciler with the default deposit timeout.
func NewReconciler(st store.TransferStore, ex exchange.Client) *Reconciler {
	return &Reconciler{
		store:          st,
		exchange:       ex,
		Clock:          func() time.Time { return time.Now().UTC() },
		DepositTimeout: DefaultDepositTimeout,
	}
}

// Reconcile runs the internal transfer pass, then the external deposit pass.
// An unclassified venue error stops reconciliation; the partial Result is
// returned with it.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	internal, err := r.ReconcileInternal(ctx)
	if err != nil {
		return internal, err
	}
	res := internal
	external, err := r.ReconcileExternal(ctx)
	res.add(external)
	return res, err
}

// ReconcileInternal walks pending internal transfers.
func (r *Reconciler) ReconcileInternal(ctx context.Context) (Result, error) {
	var res Result

	records, err := r.store.OpenNonExternalDeposits(ctx)
	if err != nil {
		return res, fmt.Errorf("list open transfers: %w", err)
	}

	for _, t := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		details, venueErr := r.exchange.TransferStateByClientID(ctx, t.ClientID)
		if venueErr != nil {
			if !exchange.IsKind(venueErr, exchange.KindWithdrawalIDDoesNotExist, exchange.KindParameterClientIDError) {
				return res, fmt.Errorf("transfer state %s: %w", t.ClientID, venueErr)
			}
			if err := r.markLost(ctx, t, exchange.KindOf(venueErr).String(), &res); err != nil {
				return res, err
			}
			continue
		}

		if err := r.apply(ctx, t, details.State, "", &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ReconcileExternal walks pending external deposits. An ambiguous venue
// response only marks a deposit lost once it is older than DepositTimeout.
func (r *Reconciler) ReconcileExternal(ctx context.Context) (Result, error) {
	var res Result

	records, err := r.store.OpenExternalDeposits(ctx)
	if err != nil {
		return res, fmt.Errorf("list open deposits: %w", err)
	}

	for _, t := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		details, venueErr := r.exchange.FetchDeposit(ctx, t.Address, t.Amount)
		if venueErr != nil {
			if !exchange.IsKind(venueErr, exchange.KindUnexpectedResponse) {
				return res, fmt.Errorf("fetch deposit %s: %w", t.ID, venueErr)
			}
			age := r.Clock().Sub(t.CreatedAt)
			if age <= r.DepositTimeout {
				res.Pending++
				slog.Debug("deposit still unconfirmed", "transfer_id", t.ID, "age", age, "err", venueErr)
				continue
			}
			if err := r.markLost(ctx, t, "deposit_timeout", &res); err != nil {
				return res, err
			}
			continue
		}

		if err := r.apply(ctx, t, details.State, details.TransactionID, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// apply maps a venue-reported state onto the record.
func (r *Reconciler) apply(ctx context.Context, t model.TransferRecord, venueState, txID string, res *Result) error {
	switch venueState {
	case exchange.StateFailed, exchange.StateCanceled:
		return r.markLost(ctx, t, venueState, res)
	}

	update := model.TransferUpdate{
		ID:            t.ID,
		State:         model.TransferPending,
		ExchangeState: venueState,
		TransactionID: txID,
	}
	if venueState == exchange.StateSuccess {
		update.State = model.TransferConfirmed
	}
	if err := r.store.UpdateTransfer(ctx, update); err != nil {
		return fmt.Errorf("update transfer %s: %w", t.ID, err)
	}

	if update.State == model.TransferConfirmed {
		res.Confirmed++
		metrics.RecordsReconciled.WithLabelValues(string(t.Kind), "confirmed").Inc()
	} else {
		res.Pending++
		metrics.RecordsReconciled.WithLabelValues(string(t.Kind), "pending").Inc()
	}
	return nil
}

func (r *Reconciler) markLost(ctx context.Context, t model.TransferRecord, reason string, res *Result) error {
	newlyLost, err := r.store.MarkTransferLost(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("mark transfer %s lost: %w", t.ID, err)
	}
	if newlyLost {
		res.Lost++
		metrics.RecordsReconciled.WithLabelValues(string(t.Kind), "lost").Inc()
		slog.Warn("transfer marked lost",
			"transfer_id", t.ID,
			"client_id", t.ClientID,
			"kind", t.Kind,
			"amount", t.Amount.String(),
			"reason", reason,
		)
	}
	return nil
}
