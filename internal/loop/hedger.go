// Package loop orchestrates the hedge control loop: the adjust flow that
// decides and places orders, and the poll flow that publishes the position
// and reconciles everything in flight.
//
// Both flows are safe to run at least once, overlapping, from several
// instances. No in-process lock serializes them; the order reservation
// insert is the serialization point.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/hedge-engine/internal/adjustment"
	"github.com/atmx/hedge-engine/internal/correlation"
	"github.com/atmx/hedge-engine/internal/exchange"
	"github.com/atmx/hedge-engine/internal/hedge"
	"github.com/atmx/hedge-engine/internal/instrument"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/orders"
	"github.com/atmx/hedge-engine/internal/publisher"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/transfers"
)

// SkipReason explains why an adjust cycle ended without acting.
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipLedgerLag  SkipReason = "ledger_lag"
	SkipSlotTaken  SkipReason = "slot_taken"
	SkipNoDecision SkipReason = "do_nothing"
)

// Outcome describes one adjust cycle.
type Outcome struct {
	CorrelationID    uuid.UUID         `json:"correlation_id"`
	Skipped          SkipReason        `json:"skipped,omitempty"`
	Action           model.HedgeAction `json:"action"`
	TargetUSDCents   int64             `json:"target_usd_cents"`
	PositionUSDCents int64             `json:"position_usd_cents"`
	ClientOrderID    string            `json:"client_order_id,omitempty"`
	Adjustment       *model.Adjustment `json:"adjustment,omitempty"`
}

// PollOutcome describes one poll cycle.
type PollOutcome struct {
	Position  *model.PositionSnapshot `json:"position,omitempty"`
	Orders    orders.Result           `json:"orders"`
	Transfers transfers.Result        `json:"transfers"`
	Sweep     *transfers.SweepResult  `json:"sweep,omitempty"`
}

// NewlyLost is the number of records this cycle moved to lost.
func (p PollOutcome) NewlyLost() int {
	return p.Orders.Lost + p.Transfers.Lost
}

// Config holds the loop's static settings.
type Config struct {
	Instrument   instrument.Instrument
	MaxLedgerLag int64
}

// Deps are the collaborators a Hedger is built from.
type Deps struct {
	Engine      *hedge.Engine
	Ledger      ledger.Source
	Exchange    exchange.Client
	Orders      store.OrderStore
	Adjustments *adjustment.Ledger
	OrderRecon  *orders.Reconciler
	Transfers   *transfers.Reconciler
	Sweeper     *transfers.Sweeper
	Publisher   publisher.Publisher
}

// Hedger runs the adjust and poll flows.
type Hedger struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates a Hedger. A nil Publisher discards snapshots.
func New(cfg Config, deps Deps) *Hedger {
	if deps.Publisher == nil {
		deps.Publisher = publisher.Nop{}
	}
	return &Hedger{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Adjust runs one decision cycle. The correlation id comes from ctx when the
// scheduler set one, otherwise a new one is minted.
//
// A placement error is returned with the reservation left reserved; the poll
// flow resolves it. Failing to persist the audit record after the venue
// acted is logged and counted but does not fail the cycle.
func (h *Hedger) Adjust(ctx context.Context) (Outcome, error) {
	id := correlation.FromContextOrNew(ctx)
	out := Outcome{CorrelationID: id, Action: model.DoNothing()}
	log := slog.With("correlation_id", id)

	lag, err := h.deps.Ledger.UnaccountedTrades(ctx)
	if err != nil {
		return out, fmt.Errorf("ledger lag: %w", err)
	}
	if lag > h.cfg.MaxLedgerLag {
		out.Skipped = SkipLedgerLag
		metrics.CyclesSkipped.WithLabelValues(string(SkipLedgerLag)).Inc()
		log.Info("adjust skipped, ledger behind", "unaccounted_trades", lag, "max", h.cfg.MaxLedgerLag)
		return out, nil
	}

	liability, err := h.deps.Ledger.TargetLiabilityInCents(ctx)
	if err != nil {
		return out, fmt.Errorf("ledger liability: %w", err)
	}
	metrics.LiabilityUSDCents.Set(float64(liability))
	out.TargetUSDCents = hedge.TargetFromLiability(liability)

	pos, err := h.deps.Exchange.Position(ctx)
	if err != nil {
		return out, fmt.Errorf("exchange position: %w", err)
	}
	metrics.PositionUSDCents.Set(float64(pos.USDCents))
	out.PositionUSDCents = pos.USDCents

	out.Action = h.deps.Engine.Decide(out.TargetUSDCents, pos.USDCents)
	metrics.HedgeDecisions.WithLabelValues(string(out.Action.Kind)).Inc()
	if !out.Action.IsActionable() {
		out.Skipped = SkipNoDecision
		log.Debug("no adjustment needed", "target_usd_cents", out.TargetUSDCents, "position_usd_cents", pos.USDCents)
		return out, nil
	}

	reservation := &model.OrderReservation{
		CorrelationID:       id,
		Instrument:          h.cfg.Instrument,
		ClientOrderID:       correlation.ClientOrderID(id),
		Action:              out.Action,
		TargetUSDCents:      out.TargetUSDCents,
		USDCentsBeforeOrder: pos.USDCents,
	}
	clientOrderID, reserved, err := h.deps.Orders.ReserveOrderSlot(ctx, reservation)
	if err != nil {
		return out, fmt.Errorf("reserve order slot: %w", err)
	}
	if !reserved {
		out.Skipped = SkipSlotTaken
		metrics.CyclesSkipped.WithLabelValues(string(SkipSlotTaken)).Inc()
		log.Info("adjust skipped, order already in flight", "action", out.Action.String())
		return out, nil
	}
	out.ClientOrderID = clientOrderID
	log = log.With("client_order_id", clientOrderID)

	if err := h.place(ctx, clientOrderID, out.Action); err != nil {
		metrics.OrderPlacementErrors.WithLabelValues(exchange.KindOf(err).String()).Inc()
		log.Error("order placement failed", "action", out.Action.String(), "err", err)
		return out, fmt.Errorf("place %s: %w", out.Action, err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(out.Action.Kind)).Inc()

	after := h.positionAfter(ctx, log, pos.USDCents, out.Action)
	adj := &model.Adjustment{
		CorrelationID:            id,
		Instrument:               h.cfg.Instrument,
		ExchangeRef:              clientOrderID,
		ActionType:               out.Action.Kind,
		ActionSize:               out.Action.Contracts,
		ActionUnit:               model.ActionUnit,
		SizeUSDCents:             h.sizeCents(pos.USDCents, out.Action),
		TargetUSDCents:           out.TargetUSDCents,
		USDCentsBeforeAdjustment: pos.USDCents,
		USDCentsAfterAdjustment:  after,
		CreatedAt:                h.now(),
	}
	out.Adjustment = adj

	if err := h.deps.Adjustments.Persist(ctx, adj); err != nil {
		metrics.AdjustmentPersistFailures.Inc()
		log.Error("adjustment not recorded after order was placed", "err", err)
		return out, nil
	}

	log.Info("hedge adjusted",
		"action", out.Action.String(),
		"target_usd_cents", out.TargetUSDCents,
		"before_usd_cents", pos.USDCents,
		"after_usd_cents", after,
	)
	return out, nil
}

func (h *Hedger) place(ctx context.Context, clientOrderID string, a model.HedgeAction) error {
	switch a.Kind {
	case model.ActionBuy:
		return h.deps.Exchange.PlaceOrder(ctx, clientOrderID, exchange.SideBuy, a.Contracts)
	case model.ActionSell:
		return h.deps.Exchange.PlaceOrder(ctx, clientOrderID, exchange.SideSell, a.Contracts)
	case model.ActionClosePosition:
		return h.deps.Exchange.ClosePositions(ctx, clientOrderID)
	default:
		return fmt.Errorf("unexpected action %s", a)
	}
}

// positionAfter re-reads the venue position. When that fails the value is
// estimated from the action.
func (h *Hedger) positionAfter(ctx context.Context, log *slog.Logger, before int64, a model.HedgeAction) int64 {
	pos, err := h.deps.Exchange.Position(ctx)
	if err == nil {
		metrics.PositionUSDCents.Set(float64(pos.USDCents))
		return pos.USDCents
	}
	log.Warn("position re-read failed, estimating", "err", err)
	switch a.Kind {
	case model.ActionBuy:
		return before + h.deps.Engine.ContractsValueCents(a.Contracts)
	case model.ActionSell:
		return before - h.deps.Engine.ContractsValueCents(a.Contracts)
	default:
		return 0
	}
}

func (h *Hedger) sizeCents(before int64, a model.HedgeAction) int64 {
	if a.Kind == model.ActionClosePosition {
		if before < 0 {
			return -before
		}
		return before
	}
	return h.deps.Engine.ContractsValueCents(a.Contracts)
}

// Poll publishes the current position, reconciles open orders and pending
// transfers, and sweeps when this cycle lost something. Each step runs even
// if an earlier one failed; all errors are joined.
func (h *Hedger) Poll(ctx context.Context) (PollOutcome, error) {
	var out PollOutcome
	var errs []error

	if snap, err := h.snapshot(ctx); err != nil {
		errs = append(errs, err)
	} else {
		out.Position = &snap
		// Publishing is best-effort; sinks log their own failures.
		_ = h.deps.Publisher.PublishPosition(ctx, snap)
	}

	orderRes, err := h.deps.OrderRecon.Reconcile(ctx)
	out.Orders = orderRes
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile orders: %w", err))
	}

	transferRes, err := h.deps.Transfers.Reconcile(ctx)
	out.Transfers = transferRes
	if err != nil {
		errs = append(errs, fmt.Errorf("reconcile transfers: %w", err))
	}

	if out.NewlyLost() > 0 {
		sweep, err := h.deps.Sweeper.Sweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep: %w", err))
		} else {
			out.Sweep = &sweep
		}
	}

	return out, errors.Join(errs...)
}

func (h *Hedger) snapshot(ctx context.Context) (model.PositionSnapshot, error) {
	pos, err := h.deps.Exchange.Position(ctx)
	if err != nil {
		return model.PositionSnapshot{}, fmt.Errorf("exchange position: %w", err)
	}
	metrics.PositionUSDCents.Set(float64(pos.USDCents))

	snap := model.PositionSnapshot{
		Instrument: h.cfg.Instrument,
		USDCents:   pos.USDCents,
		ObservedAt: h.now(),
	}
	if liability, err := h.deps.Ledger.TargetLiabilityInCents(ctx); err == nil {
		snap.LiabilityCents = &liability
		metrics.LiabilityUSDCents.Set(float64(liability))
	}
	return snap, nil
}
